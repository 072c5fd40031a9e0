// Package keymutex provides per-key exclusive sections with bounded wait,
// so mutations on distinct keys proceed independently of each other.
package keymutex
