// Package ratelimit provides a per-identity sliding-window-log admission
// controller with lazy eviction of stale history.
//
// Each identity owns an insertion-ordered log of admission timestamps. On
// every decision the log is purged from the front of every entry whose age is
// at least the window, then the request is admitted only while fewer than
// limit entries remain. The cutoff moves continuously with the supplied time,
// so quota decays entry by entry instead of resetting at fixed boundaries.
//
// This is a single-instance, in-memory limiter. History is not shared between
// processes and does not survive restarts.
package ratelimit
