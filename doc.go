// Package uppend provides an embedded, append-only multimap for Go.
//
// A store maps string keys to growing, ordered lists of byte payloads,
// grouped into partitions. It is built for many concurrent writers
// appending and occasional readers scanning.
//
// # Quick Start
//
//	ctx := context.Background()
//	db, _ := uppend.Open("./data")
//	defer db.Close()
//
//	_ = db.Append(ctx, "events", "user-42", []byte("login"))
//	_ = db.Append(ctx, "events", "user-42", []byte("logout"))
//	_ = db.Flush(ctx)
//
//	for v, err := range db.Read(ctx, "events", "user-42") {
//		if err != nil {
//			return err
//		}
//		fmt.Println(string(v))
//	}
//
// # Architecture
//
// Each partition has three parts:
//
//   - a key index: hash-routed shards, each an append-only log of
//     fixed-width (key, position) records plus a sorted snapshot searched
//     by bisection
//   - a value-chain file: fixed-size blocks of int64 positions linked by
//     negated continuation offsets, grown through an mmap page arena
//   - a payload file: checksummed, optionally compressed records addressed
//     by byte offset
//
// Appends write the payload at once and queue (key, position) in a
// lock-sharded buffer. Worker goroutines apply full batches to the index
// and chains. A batch whose shard is busy is resubmitted instead of
// blocking its worker.
//
// # Visibility and Durability
//
// Buffered appends become visible after Flush. WithUnbufferedAppends makes
// them visible immediately. In both modes data is durable only after Flush
// or Close; WithFlushInterval and WithFlusher flush periodically.
//
// A process opening the store read-write excludes all others. Read-only
// opens may share a directory.
//
// # Backups
//
// Store.Backup copies a flushed store to any blobstore.BlobStore (local
// directory, memory, S3, MinIO); Restore recreates it:
//
//	s3Store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("uppend/"))
//	id, _ := db.Backup(ctx, s3Store)
//	_ = uppend.Restore(ctx, s3Store, id, "./restored")
//
// # Counters
//
// CounterStore shares the key index with int64 counter values:
//
//	counters, _ := uppend.OpenCounterStore("./counters")
//	n, _ := counters.Increment("page-views", "/index.html", 1)
//
// # Observability
//
// WithLogger sets a structured slog-based Logger. WithMetricsCollector
// reports append, read and flush latencies; see BasicMetricsCollector and
// the observability package for Prometheus.
package uppend
