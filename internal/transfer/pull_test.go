package transfer

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/fstore/internal/session"
)

func seedRemote(t *testing.T, fake *fakeSession, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.New(rand.NewSource(int64(size) + 7)).Read(data)
	require.NoError(t, err)
	fake.files[path] = data
	return data
}

func TestPullSync(t *testing.T) {
	fake := newFakeSession()
	want := seedRemote(t, fake, "remote.bin", 150000)
	localPath := filepath.Join(t.TempDir(), "pulled.bin")

	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
		BlockSize:  65536,
		Mode:       ModeSync,
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, fake.closeCalls)

	// Sync mode never has more than one request outstanding.
	assert.Equal(t, 1, fake.maxInflight)
}

func TestPullAsyncMatchesSync(t *testing.T) {
	fake := newFakeSession()
	want := seedRemote(t, fake, "remote.bin", 333333)

	// Random per-block delays scramble the completion order.
	fake.beforeRead = func(index uint64) {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:      localPath,
		RemotePath:     "remote.bin",
		BlockSize:      4096,
		Mode:           ModeAsync,
		MaxConcurrency: 4,
	}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, want, got, "arrival order must not affect the bytes")
}

func TestPullAsyncRespectsWindowBound(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 200000)
	fake.beforeRead = func(index uint64) {
		time.Sleep(time.Millisecond)
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:      localPath,
		RemotePath:     "remote.bin",
		BlockSize:      1000,
		Mode:           ModeAsync,
		MaxConcurrency: 4,
	}, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, fake.maxInflight, 4, "in-flight window bound")
	assert.Greater(t, fake.maxInflight, 1, "async mode actually pipelines")
}

func TestPullLocalExistsWithoutOverwrite(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 1000)

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	require.NoError(t, os.WriteFile(localPath, []byte("precious"), 0644))

	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
	}, nil)
	require.ErrorIs(t, err, session.ErrAlreadyExists)
	assert.Zero(t, fake.openCalls, "no remote I/O before the local check")

	got, _ := os.ReadFile(localPath)
	assert.Equal(t, []byte("precious"), got)
}

func TestPullOverwriteReplacesLocalFile(t *testing.T) {
	fake := newFakeSession()
	want := seedRemote(t, fake, "remote.bin", 5000)

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	require.NoError(t, os.WriteFile(localPath, []byte("old"), 0644))

	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
		Overwrite:  true,
	}, nil)
	require.NoError(t, err)

	got, _ := os.ReadFile(localPath)
	assert.Equal(t, want, got)
}

func TestPullTruncatedResponseFails(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 10000)
	fake.shortRead = func(index uint64) uint32 {
		if index == 5 {
			return 10
		}
		return 0
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
		BlockSize:  1000,
	}, nil)
	require.ErrorIs(t, err, session.ErrShortTransfer)
	assert.ErrorContains(t, err, "wanted 1000 bytes, got 10")
	assert.Equal(t, 1, fake.abortCalls, "remote handle released on failure")

	// The partial file stays behind; a restart begins from scratch.
	_, statErr := os.Stat(localPath)
	assert.NoError(t, statErr)
}

func TestPullAsyncTruncatedResponseFails(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 50000)
	fake.shortRead = func(index uint64) uint32 {
		if index == 20 {
			return 1
		}
		return 0
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:      localPath,
		RemotePath:     "remote.bin",
		BlockSize:      1000,
		Mode:           ModeAsync,
		MaxConcurrency: 4,
	}, nil)
	require.ErrorIs(t, err, session.ErrShortTransfer)
	assert.Equal(t, 1, fake.abortCalls)
}

func TestPullAbortsHandleOnCloseFailure(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 5000)
	fake.closeErr = fmt.Errorf("%w: timeout", session.ErrSessionLost)

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
		BlockSize:  1000,
	}, nil)
	require.ErrorIs(t, err, session.ErrSessionLost)
	assert.Equal(t, 1, fake.abortCalls, "remote handle released when close fails")
}

func TestPullAsyncStopsIssuingAfterFailure(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "remote.bin", 100000)

	var mu sync.Mutex
	var issuedAfterFail int
	failed := false
	fake.failRead = func(path string, index uint64) error {
		mu.Lock()
		defer mu.Unlock()
		if failed {
			issuedAfterFail++
		}
		if index == 3 {
			failed = true
			return fmt.Errorf("%w: timeout", session.ErrSessionLost)
		}
		return nil
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:      localPath,
		RemotePath:     "remote.bin",
		BlockSize:      1000,
		Mode:           ModeAsync,
		MaxConcurrency: 4,
	}, nil)
	require.ErrorIs(t, err, session.ErrSessionLost)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, issuedAfterFail, 8, "new requests stop after the first failure")
}

func TestPullDigestMismatchDeletesFile(t *testing.T) {
	fake := newFakeSession()
	data := seedRemote(t, fake, "remote.bin", 5000)

	// Corrupt the remote bytes after the open reported its digest.
	var once sync.Once
	fake.beforeRead = func(index uint64) {
		once.Do(func() {
			fake.mu.Lock()
			data[0] ^= 0xff
			fake.mu.Unlock()
		})
	}

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "remote.bin",
		BlockSize:  1000,
	}, nil)
	require.ErrorContains(t, err, "digest mismatch")

	_, statErr := os.Stat(localPath)
	assert.True(t, os.IsNotExist(statErr), "corrupt download is not kept")
}

func TestPullEmptyRemoteFile(t *testing.T) {
	fake := newFakeSession()
	seedRemote(t, fake, "empty.bin", 0)

	localPath := filepath.Join(t.TempDir(), "pulled.bin")
	err := Pull(context.Background(), fake, Descriptor{
		LocalPath:  localPath,
		RemotePath: "empty.bin",
	}, nil)
	require.NoError(t, err)

	info, err := os.Stat(localPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
