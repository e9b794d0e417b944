// Package metrics keeps in-process handling-time statistics per queue key.
package metrics
