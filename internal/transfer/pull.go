package transfer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jaywantadh/fstore/internal/blockio"
	"github.com/jaywantadh/fstore/internal/digest"
	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/pkg/logging"
)

// DefaultMaxConcurrency bounds the async pull window when the descriptor
// does not set one.
const DefaultMaxConcurrency = 8

// Pull downloads one remote file. In ModeSync blocks are requested and
// written one at a time; in ModeAsync up to MaxConcurrency requests stay
// outstanding and each response is written at its own offset as it lands.
// A failed pull leaves the partial local file behind but reports the error;
// there is no resume, callers restart from scratch.
func Pull(ctx context.Context, sess Session, desc Descriptor, prog *Progress) error {
	// Check the local destination before touching the remote side, so a
	// refused overwrite costs no remote I/O.
	if _, err := os.Stat(desc.LocalPath); err == nil {
		if !desc.Overwrite {
			return fmt.Errorf("%w: %s", session.ErrAlreadyExists, desc.LocalPath)
		}
		if err := os.Remove(desc.LocalPath); err != nil {
			return fmt.Errorf("failed to remove %s: %w", desc.LocalPath, err)
		}
	}

	open, err := sess.Open(ctx, session.OpenRequest{
		Path: desc.RemotePath,
		Mode: session.ModeRead,
	})
	if err != nil {
		return err
	}

	plan, err := desc.plan(open.Size)
	if err != nil {
		_ = sess.Abort(context.WithoutCancel(ctx), open.Handle)
		return err
	}

	logging.Log.WithFields(map[string]interface{}{
		"file":   desc.RemotePath,
		"size":   open.Size,
		"blocks": plan.Count(),
		"mode":   desc.Mode,
	}).Debug("pull started")

	if err := fetchToFile(ctx, sess, open.Handle, desc, plan, prog); err != nil {
		if abortErr := sess.Abort(context.WithoutCancel(ctx), open.Handle); abortErr != nil {
			logging.Log.WithError(abortErr).Warn("failed to abort remote handle")
		}
		return err
	}

	if err := sess.Close(ctx, open.Handle); err != nil {
		// A failed close leaves the handle registered remotely; release it
		// the same way the fetch failure path does.
		if abortErr := sess.Abort(context.WithoutCancel(ctx), open.Handle); abortErr != nil {
			logging.Log.WithError(abortErr).Warn("failed to abort remote handle")
		}
		return err
	}

	if open.Digest != "" {
		if err := verifyLocal(desc.LocalPath, open.Digest); err != nil {
			return err
		}
	}

	logging.Log.WithField("file", desc.LocalPath).Debug("pull finished")
	return nil
}

// fetchToFile pre-sizes the destination and runs the selected strategy.
// The file is truncated up front because async responses land out of order.
func fetchToFile(ctx context.Context, sess Session, handle string, desc Descriptor, plan blockio.Plan, prog *Progress) error {
	file, err := os.OpenFile(desc.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", desc.LocalPath, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(plan.TotalSize)); err != nil {
		return fmt.Errorf("failed to pre-size %s: %w", desc.LocalPath, err)
	}

	switch desc.Mode {
	case ModeAsync:
		err = pullAsync(ctx, sess, handle, file, plan, desc.window(), prog)
	default:
		err = pullSync(ctx, sess, handle, file, plan, prog)
	}
	if err != nil {
		return err
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", desc.LocalPath, err)
	}
	return nil
}

func (d Descriptor) window() int {
	if d.MaxConcurrency <= 0 {
		return DefaultMaxConcurrency
	}
	return d.MaxConcurrency
}

// pullSync requests block i, writes it, then requests block i+1.
func pullSync(ctx context.Context, sess Session, handle string, file *os.File, plan blockio.Plan, prog *Progress) error {
	return plan.Each(func(spec blockio.BlockSpec) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := sess.ReadBlock(ctx, handle, spec.Index, spec.Offset, spec.Length)
		if err != nil {
			return err
		}
		return writeBlockAt(file, spec, data, prog)
	})
}

// pullAsync keeps a bounded window of outstanding block requests. Requests
// are issued in ascending index order but completions are handled in
// whatever order they arrive: every response self-describes its offset, so
// arrival order never matters for correctness. A slot frees only after its
// block is received and written.
func pullAsync(ctx context.Context, sess Session, handle string, file *os.File, plan blockio.Plan, window int, prog *Progress) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, window)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel() // stop issuing new requests
	}

	for i := uint64(0); i < plan.Count(); i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		spec := plan.Spec(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := sess.ReadBlock(ctx, handle, spec.Index, spec.Offset, spec.Length)
			if err != nil {
				fail(err)
				return
			}
			// Writes never overlap: the plan hands every goroutine a
			// disjoint offset range.
			if err := writeBlockAt(file, spec, data, prog); err != nil {
				fail(err)
			}
		}()
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func writeBlockAt(file *os.File, spec blockio.BlockSpec, data []byte, prog *Progress) error {
	if uint32(len(data)) != spec.Length {
		return fmt.Errorf("%w: block %d: wanted %d bytes, got %d",
			session.ErrShortTransfer, spec.Index, spec.Length, len(data))
	}
	if _, err := file.WriteAt(data, int64(spec.Offset)); err != nil {
		return fmt.Errorf("failed to write block %d: %w", spec.Index, err)
	}
	prog.Add(uint64(len(data)))
	return nil
}

// verifyLocal re-hashes the downloaded file against the digest the store
// reported at open time. A mismatch deletes the file: the bytes are wrong
// and keeping them would look like a successful pull.
func verifyLocal(path, want string) error {
	got, err := digest.File(path)
	if err != nil {
		return err
	}
	if got != want {
		_ = os.Remove(path)
		return fmt.Errorf("digest mismatch for %s: remote %s local %s", path, want, got)
	}
	return nil
}
