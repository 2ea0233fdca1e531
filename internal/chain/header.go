package chain

import "fmt"

// blockKind tells how a block header word is to be read.
type blockKind uint8

const (
	// blockCount: the block holds Count values and has no continuation.
	blockCount blockKind = iota
	// blockContinuation: the block is full and continues at Next.
	blockContinuation
)

// blockHeader is the decoded form of a block's header word.
//
// On disk the header is one int64: a value >= 0 is the count of valid
// values, a negative value is the negated offset of the continuation block.
type blockHeader struct {
	kind  blockKind
	count int
	next  int64
}

func (h blockHeader) values(capacity int) int {
	if h.kind == blockContinuation {
		return capacity
	}
	return h.count
}

func countHeader(n int) int64 { return int64(n) }

func continuationHeader(next int64) int64 { return -next }

// decodeHeader validates raw against the block at pos.
func (s *Store) decodeHeader(raw, pos int64) (blockHeader, error) {
	if raw >= 0 {
		if raw > int64(s.valuesPerBlock) {
			return blockHeader{}, fmt.Errorf("%w: block %d holds %d values, capacity %d", ErrCorrupt, pos, raw, s.valuesPerBlock)
		}
		return blockHeader{kind: blockCount, count: int(raw)}, nil
	}
	next := -raw
	if next <= pos || !s.aligned(next) {
		return blockHeader{}, fmt.Errorf("%w: block %d continues at invalid position %d", ErrCorrupt, pos, next)
	}
	return blockHeader{kind: blockContinuation, next: next}, nil
}
