// Package cache stores thing descriptions between lookups, in process with
// ristretto or shared between clients through Redis.
package cache
