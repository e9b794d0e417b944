// Package bot answers citizens before a human is involved: a scripted
// greeting, keyword answers, a fallback, and keywords that hand the
// conversation to the human queue.
package bot
