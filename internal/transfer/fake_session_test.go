package transfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/fstore/internal/digest"
	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/pkg/logging"
)

func TestMain(m *testing.M) {
	logging.InitLogger(false)
	os.Exit(m.Run())
}

// fakeSession is an in-memory store that implements the Session interface
// and records enough call detail for the engines' tests.
type fakeSession struct {
	mu      sync.Mutex
	files   map[string][]byte
	handles map[string]*fakeHandle

	openCalls  int
	writeCalls int
	abortCalls int
	closeCalls int
	writeOrder []uint64

	// failWrite, when set, is consulted before every block write.
	failWrite func(path string, index uint64) error
	// failRead, when set, is consulted before every block read.
	failRead func(path string, index uint64) error
	// beforeRead runs at the start of every ReadBlock, before the in-flight
	// counter drops. Used to scramble completion order.
	beforeRead func(index uint64)
	// shortRead, when set, returns the payload length ReadBlock delivers for
	// a block; zero means the full block.
	shortRead func(index uint64) uint32
	lockErr   error
	closeErr  error

	inflight    int
	maxInflight int
}

type fakeHandle struct {
	path string
	mode session.Mode
	buf  []byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		files:   make(map[string][]byte),
		handles: make(map[string]*fakeHandle),
	}
}

func (f *fakeSession) Open(ctx context.Context, req session.OpenRequest) (session.OpenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++

	switch req.Mode {
	case session.ModeWrite:
		if _, ok := f.files[req.Path]; ok && !req.Overwrite {
			return session.OpenResponse{}, fmt.Errorf("%w: %s", session.ErrAlreadyExists, req.Path)
		}
		id := uuid.New().String()
		f.handles[id] = &fakeHandle{path: req.Path, mode: req.Mode, buf: make([]byte, req.Size)}
		return session.OpenResponse{Handle: id, Size: req.Size}, nil
	case session.ModeRead:
		data, ok := f.files[req.Path]
		if !ok {
			return session.OpenResponse{}, fmt.Errorf("%w: %s not found", session.ErrRemoteRejected, req.Path)
		}
		sum, err := digest.Reader(bytes.NewReader(data))
		if err != nil {
			return session.OpenResponse{}, err
		}
		id := uuid.New().String()
		f.handles[id] = &fakeHandle{path: req.Path, mode: req.Mode, buf: data}
		return session.OpenResponse{Handle: id, Size: uint64(len(data)), Digest: sum}, nil
	}
	return session.OpenResponse{}, fmt.Errorf("%w: bad mode", session.ErrRemoteRejected)
}

func (f *fakeSession) WriteBlock(ctx context.Context, handle string, index, offset uint64, data []byte) error {
	f.mu.Lock()
	h, ok := f.handles[handle]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: unknown handle", session.ErrRemoteRejected)
	}
	f.writeCalls++
	f.writeOrder = append(f.writeOrder, index)
	failWrite := f.failWrite
	f.mu.Unlock()

	if failWrite != nil {
		if err := failWrite(h.path, index); err != nil {
			return err
		}
	}

	f.mu.Lock()
	copy(h.buf[offset:], data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ReadBlock(ctx context.Context, handle string, index, offset uint64, length uint32) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.handles[handle]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown handle", session.ErrRemoteRejected)
	}
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	beforeRead, failRead, shortRead := f.beforeRead, f.failRead, f.shortRead
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if beforeRead != nil {
		beforeRead(index)
	}
	if failRead != nil {
		if err := failRead(h.path, index); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	end := offset + uint64(length)
	if end > uint64(len(h.buf)) {
		return nil, fmt.Errorf("%w: read past end", session.ErrRemoteRejected)
	}
	out := make([]byte, length)
	copy(out, h.buf[offset:end])
	if shortRead != nil {
		if n := shortRead(index); n > 0 && n < uint32(len(out)) {
			out = out[:n]
		}
	}
	return out, nil
}

func (f *fakeSession) Close(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[handle]
	if !ok {
		return fmt.Errorf("%w: unknown handle", session.ErrRemoteRejected)
	}
	if f.closeErr != nil {
		// The handle stays registered, as it would after a close request
		// that never reached the store.
		return f.closeErr
	}
	f.closeCalls++
	delete(f.handles, handle)
	if h.mode == session.ModeWrite {
		f.files[h.path] = h.buf
	}
	return nil
}

func (f *fakeSession) Abort(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	delete(f.handles, handle)
	return nil
}

func (f *fakeSession) Lock(ctx context.Context, paths []string, overwrite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return f.lockErr
	}
	if !overwrite {
		for _, p := range paths {
			if _, ok := f.files[p]; ok {
				return fmt.Errorf("%w: %s", session.ErrAlreadyExists, p)
			}
		}
	}
	return nil
}

func (f *fakeSession) Stat(ctx context.Context, path string) (session.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return session.FileInfo{}, fmt.Errorf("%w: %s not found", session.ErrRemoteRejected, path)
	}
	return session.FileInfo{Name: path, Size: uint64(len(data)), Created: time.Now()}, nil
}

func (f *fakeSession) remoteContent(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}
