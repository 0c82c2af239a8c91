package blockio

import "fmt"

// DefaultBlockSize is the block size used when the caller does not ask for one.
const DefaultBlockSize = 65536

// BlockSpec describes one fixed-size block of a file. A block covers the byte
// range [Offset, Offset+Length) and blocks are numbered from zero.
type BlockSpec struct {
	Index  uint64
	Offset uint64
	Length uint32
}

// Plan partitions a file of TotalSize bytes into BlockSize-sized blocks.
// It carries no state besides its two inputs, so the same plan can be walked
// any number of times and always yields the same specs.
type Plan struct {
	TotalSize uint64
	BlockSize uint32
}

// NewPlan builds a plan for a file of totalSize bytes.
func NewPlan(totalSize uint64, blockSize uint32) (Plan, error) {
	if blockSize == 0 {
		return Plan{}, fmt.Errorf("block size must be positive")
	}
	return Plan{TotalSize: totalSize, BlockSize: blockSize}, nil
}

// Count returns the number of blocks in the plan. An empty file has zero blocks.
func (p Plan) Count() uint64 {
	if p.TotalSize == 0 {
		return 0
	}
	return (p.TotalSize + uint64(p.BlockSize) - 1) / uint64(p.BlockSize)
}

// Spec returns the block at the given index. The last block is short when
// TotalSize is not an even multiple of BlockSize. An index at or past Count
// yields a zero-length spec.
func (p Plan) Spec(index uint64) BlockSpec {
	offset := index * uint64(p.BlockSize)
	if offset >= p.TotalSize {
		return BlockSpec{Index: index, Offset: offset}
	}
	length := uint64(p.BlockSize)
	if offset+length > p.TotalSize {
		length = p.TotalSize - offset
	}
	return BlockSpec{Index: index, Offset: offset, Length: uint32(length)}
}

// Each walks every block in ascending index order, stopping at the first
// error returned by fn.
func (p Plan) Each(fn func(BlockSpec) error) error {
	for i := uint64(0); i < p.Count(); i++ {
		if err := fn(p.Spec(i)); err != nil {
			return err
		}
	}
	return nil
}
