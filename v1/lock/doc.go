// Package lock provides the synchronization primitives thingsync is built on.
//
// Semaphore is a counting lock with FIFO hand-off and Cond is a wait/notify
// primitive with monitor semantics over a Semaphore. Locker implementations
// hold named locks with an optional TTL, either in memory or in Redis, and
// back the gateway side of the property handshake.
package lock
