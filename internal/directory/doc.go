// Package directory resolves departments and the services they offer.
package directory
