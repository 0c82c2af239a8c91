package session

import (
	"time"
)

// API version and base path
const (
	APIVersion = "v1"
	BasePath   = "/api/" + APIVersion + "/store"
)

// Mode selects what a remote handle is opened for.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

// Block payload encoding negotiated per request.
const (
	HeaderBlockEncoding = "X-Block-Encoding"
	EncodingLZ4         = "lz4"
)

// OpenRequest asks the store to open a remote file and hand back a handle.
// Size and Digest are only meaningful in write mode.
type OpenRequest struct {
	Path      string `json:"path"`
	Mode      Mode   `json:"mode"`
	Size      uint64 `json:"size,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Overwrite bool   `json:"overwrite"`
}

// OpenResponse carries the granted handle. For read handles Size and Digest
// describe the remote file.
type OpenResponse struct {
	Handle string `json:"handle"`
	Size   uint64 `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// BlockWriteResponse acknowledges one written block.
type BlockWriteResponse struct {
	Index    uint64 `json:"index"`
	Received uint32 `json:"received"`
}

// LockRequest asks the store to check a batch of target paths against the
// overwrite policy before an image push starts.
type LockRequest struct {
	Paths     []string `json:"paths"`
	Overwrite bool     `json:"overwrite"`
}

// LockResponse reports whether all paths are pushable.
type LockResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// DirEntry is one row of a remote directory listing.
type DirEntry struct {
	Name    string    `json:"name"`
	Size    uint64    `json:"size"`
	Dir     bool      `json:"dir"`
	Created time.Time `json:"created"`
}

// FileInfo describes one remote file.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    uint64    `json:"size"`
	Digest  string    `json:"digest,omitempty"`
	Created time.Time `json:"created"`
}

// ErrorResponse is the body of every non-2xx store reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
