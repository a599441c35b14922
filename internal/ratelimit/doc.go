// Package ratelimit provides per-IP rate limiting with background eviction
// of stale entries.
//
// It guards the admin refresh triggers, which start expensive dataset
// reloads. The limiter is in-memory and per instance; it does not protect
// against distributed floods. The visitor map is capped so a spray of
// source addresses cannot grow it without bound.
package ratelimit
