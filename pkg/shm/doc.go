// Package shm provides a fixed-capacity queue shared between processes
// through a named shared memory segment.
//
// A segment starts with a 64-byte header holding a process-shared lock and
// two monotonically increasing element indices, followed by maxCount slots of
// elementSize bytes. The first process to open a name creates and
// initializes the segment; later processes attach to it without touching
// the header. Every enqueue and dequeue takes the lock for the duration of a
// single slot copy.
//
// Example usage:
//
//	cfg := shm.DefaultConfig()
//	cfg.Name = "orders"
//	cfg.MaxCount = 1024
//	cfg.ElementSize = 128
//	q, err := shm.OpenOrCreate(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer q.Teardown(false)
//
//	ok, err := q.TryEnqueue(msg) // ok == false: queue full
//	ok, err = q.TryDequeue(out)  // ok == false: queue empty
//
// Full and empty are not errors. Retry policy belongs to the caller; see
// package transport for blocking variants.
package shm
