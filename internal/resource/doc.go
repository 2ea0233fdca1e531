// Package resource governs the shared resources of a store.
//
//   - Memory: buffered appends and cached payloads are charged against one
//     budget. Acquisition never blocks; callers turn a refusal into
//     backpressure.
//   - Background: a weighted semaphore caps how many shards flush at once.
//   - IO: a token bucket throttles backup and restore transfers.
//
// All methods handle a nil *Controller gracefully, so limits stay optional:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 64 << 20})
//	if !rc.TryAcquireMemory(n) {
//	    return ErrBackpressure
//	}
//	defer rc.ReleaseMemory(n)
package resource
