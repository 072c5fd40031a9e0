// Package debounce provides a time-based window for suppressing duplicate
// events, bounding redelivered joins to one action per key per window.
package debounce
