// Package cache provides the expiring address cache engine. Entries are
// kept until they are removed, taken, or older than the configured maximum
// age. A background goroutine sweeps expired entries on a fixed interval;
// it only runs when a maximum age is configured.
//
// The cache tracks the most recently inserted live key. Peek reports it,
// Take consumes it and blocks until one is available.
package cache
