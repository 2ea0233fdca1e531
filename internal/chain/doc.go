// Package chain implements the value-chain block store.
//
// Every key owns a chain of fixed-capacity blocks of int64 values. The key's
// index entry stores the offset of the first block forever; further blocks
// are linked from full blocks through a negated offset in the header word.
//
// File layout:
//
//	[0, 64)    file header: magic, version, values per block, end, appends, allocs
//	[64, ...)  blocks of (valuesPerBlock+1)*8 bytes: header word, then slots
//
// Appending to a full block allocates the continuation, writes the value
// into it, and only then links it. A crash between the two leaves an orphan
// block that readers never see; the next append simply links a new block.
package chain
