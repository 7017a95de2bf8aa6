// Package lock provides named mutual-exclusion locks with one lifecycle shared
// by every backend.
//
// A Factory creates a Lock for a resource name. Wait blocks until the lock is
// acquired, the configured timeout elapses or the context is cancelled. A
// timeout is not an error: the lock simply reports Acquired() == false. While
// a lock with a finite expiry is held, a watchdog renews the lease every
// expiry/3. Close stops the watchdog and releases the lock only if the backend
// still records this lock's token as the holder.
//
// Backends:
//
//   - LocalFactory: in-process semaphores kept in an injected Registry.
//   - FileFactory: machine-wide OS file locks.
//   - LeaseFactory / RedisFactory: a shared store with SET-if-absent leases.
//   - ZooKeeperFactory: ephemeral sequential nodes, acquired in FIFO order.
package lock
