package transfer

import (
	"context"

	"github.com/jaywantadh/fstore/internal/blockio"
	"github.com/jaywantadh/fstore/internal/session"
)

// Session is the request/response channel the engines drive. The HTTP client
// in internal/session implements it; tests substitute in-memory fakes.
// Block reads may be issued concurrently; block writes on one handle are
// issued one at a time.
type Session interface {
	Open(ctx context.Context, req session.OpenRequest) (session.OpenResponse, error)
	WriteBlock(ctx context.Context, handle string, index, offset uint64, data []byte) error
	ReadBlock(ctx context.Context, handle string, index, offset uint64, length uint32) ([]byte, error)
	Close(ctx context.Context, handle string) error
	Abort(ctx context.Context, handle string) error
	Lock(ctx context.Context, paths []string, overwrite bool) error
	Stat(ctx context.Context, path string) (session.FileInfo, error)
}

// Mode selects the pull scheduling strategy.
type Mode int

const (
	// ModeSync requests one block at a time and writes it before asking for
	// the next. Memory stays at one block; throughput is one round trip per
	// block.
	ModeSync Mode = iota
	// ModeAsync keeps up to MaxConcurrency block requests outstanding and
	// writes responses at their own offsets as they arrive.
	ModeAsync
)

// Descriptor fixes the parameters of one file transfer. It is built at
// transfer start and never mutated.
type Descriptor struct {
	LocalPath  string
	RemotePath string
	BlockSize  uint32
	Overwrite  bool
	Mode       Mode
	// MaxConcurrency bounds the in-flight window in ModeAsync.
	MaxConcurrency int
}

func (d Descriptor) plan(totalSize uint64) (blockio.Plan, error) {
	blockSize := d.BlockSize
	if blockSize == 0 {
		blockSize = blockio.DefaultBlockSize
	}
	return blockio.NewPlan(totalSize, blockSize)
}
