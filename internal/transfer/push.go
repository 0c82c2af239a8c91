package transfer

import (
	"context"
	"fmt"
	"os"

	"github.com/jaywantadh/fstore/internal/blockio"
	"github.com/jaywantadh/fstore/internal/digest"
	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/pkg/logging"
)

// Push uploads one local file to the store. Blocks are sent strictly in
// index order, one at a time: a writer must not race itself on the same
// remote handle, so pipelining is reserved for pulls.
func Push(ctx context.Context, sess Session, desc Descriptor, prog *Progress) error {
	info, err := os.Stat(desc.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", desc.LocalPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("path %s is not a regular file", desc.LocalPath)
	}
	totalSize := uint64(info.Size())

	plan, err := desc.plan(totalSize)
	if err != nil {
		return err
	}

	sum, err := digest.File(desc.LocalPath)
	if err != nil {
		return err
	}

	file, err := os.Open(desc.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", desc.LocalPath, err)
	}
	defer file.Close()

	open, err := sess.Open(ctx, session.OpenRequest{
		Path:      desc.RemotePath,
		Mode:      session.ModeWrite,
		Size:      totalSize,
		Digest:    sum,
		Overwrite: desc.Overwrite,
	})
	if err != nil {
		return err
	}

	logging.Log.WithFields(map[string]interface{}{
		"file":   desc.RemotePath,
		"size":   totalSize,
		"blocks": plan.Count(),
		"handle": open.Handle,
	}).Debug("push started")

	if err := streamBlocks(ctx, sess, open.Handle, file, plan, prog); err != nil {
		// Best effort: release the remote handle so the store does not keep
		// a half-written file.
		if abortErr := sess.Abort(context.WithoutCancel(ctx), open.Handle); abortErr != nil {
			logging.Log.WithError(abortErr).Warn("failed to abort remote handle")
		}
		return err
	}

	if err := sess.Close(ctx, open.Handle); err != nil {
		// A failed close leaves the handle registered remotely; release it
		// the same way the streaming path does.
		if abortErr := sess.Abort(context.WithoutCancel(ctx), open.Handle); abortErr != nil {
			logging.Log.WithError(abortErr).Warn("failed to abort remote handle")
		}
		return err
	}

	logging.Log.WithField("file", desc.RemotePath).Debug("push finished")
	return nil
}

// streamBlocks sends every block of the plan in order, waiting for each
// acknowledgement before reading the next block from disk.
func streamBlocks(ctx context.Context, sess Session, handle string, file *os.File, plan blockio.Plan, prog *Progress) error {
	buf := make([]byte, plan.BlockSize)
	return plan.Each(func(spec blockio.BlockSpec) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		block := buf[:spec.Length]
		if _, err := file.ReadAt(block, int64(spec.Offset)); err != nil {
			return fmt.Errorf("%w: block %d: %v", session.ErrShortTransfer, spec.Index, err)
		}

		if err := sess.WriteBlock(ctx, handle, spec.Index, spec.Offset, block); err != nil {
			return err
		}

		prog.Add(uint64(spec.Length))
		return nil
	})
}
