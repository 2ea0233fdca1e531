// Package manifest persists the format parameters of a store.
//
// The block capacity and shard hash depth determine record widths and
// directory layout, so they are fixed when a store is created and checked
// on every open. The payload codec is recorded but may change. The
// manifest is a small JSON document written with an atomic rename:
//
//	{"version":1,"created_at":"...","values_per_block":127,"hash_depth":1,"compression":"none"}
package manifest
