// Package storeserver implements the file-store side of the session
// protocol over a local directory. It backs the serve command and the
// round-trip tests; the production store is expected to speak the same
// protocol.
package storeserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jaywantadh/fstore/internal/digest"
	"github.com/jaywantadh/fstore/internal/session"
	"github.com/jaywantadh/fstore/pkg/logging"
)

// Server serves the store protocol rooted at one local directory.
type Server struct {
	root    string
	mu      sync.RWMutex
	handles map[string]*handle
}

// handle is one open remote file. Write handles accumulate received bytes
// until close commits the file; abort discards it.
type handle struct {
	id      string
	relPath string
	absPath string
	mode    session.Mode
	file    *os.File
	size    uint64 // declared size (write) or on-disk size (read)
	digest  string // expected digest, write mode only

	mu       sync.Mutex
	received uint64
}

// New creates a server over root, creating the directory if needed.
func New(root string) (*Server, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Server{root: root, handles: make(map[string]*handle)}, nil
}

// Handler returns the protocol routes, ready for http.Server or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(session.BasePath+"/open", s.handleOpen)
	mux.HandleFunc(session.BasePath+"/lock", s.handleLock)
	mux.HandleFunc(session.BasePath+"/list", s.handleList)
	mux.HandleFunc(session.BasePath+"/stat", s.handleStat)
	mux.HandleFunc(session.BasePath+"/h/", s.handleHandleRoutes)
	return mux
}

// ListenAndServe runs the server on addr until it fails.
func (s *Server) ListenAndServe(addr string) error {
	logging.Log.WithFields(map[string]interface{}{
		"addr": addr,
		"root": s.root,
	}).Info("store server starting")
	return http.ListenAndServe(addr, s.Handler())
}

// resolve maps a remote path onto the store root, refusing escapes.
func (s *Server) resolve(remote string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(remote))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the store root", remote)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req session.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	absPath, err := s.resolve(req.Path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	switch req.Mode {
	case session.ModeWrite:
		s.openWrite(w, req, absPath)
	case session.ModeRead:
		s.openRead(w, req, absPath)
	default:
		writeError(w, http.StatusBadRequest, "mode must be read or write")
	}
}

func (s *Server) openWrite(w http.ResponseWriter, req session.OpenRequest, absPath string) {
	if _, err := os.Stat(absPath); err == nil && !req.Overwrite {
		writeError(w, http.StatusConflict, fmt.Sprintf("file %s already exists", req.Path))
		return
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create parent directory")
		return
	}

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create file")
		return
	}

	h := &handle{
		id:      uuid.New().String(),
		relPath: req.Path,
		absPath: absPath,
		mode:    session.ModeWrite,
		file:    file,
		size:    req.Size,
		digest:  req.Digest,
	}
	s.putHandle(h)

	logging.Log.WithFields(map[string]interface{}{
		"path":   req.Path,
		"size":   req.Size,
		"handle": h.id,
	}).Debug("write handle opened")

	writeJSON(w, http.StatusCreated, session.OpenResponse{Handle: h.id, Size: req.Size})
}

func (s *Server) openRead(w http.ResponseWriter, req session.OpenRequest, absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", req.Path))
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("path %s is a directory", req.Path))
		return
	}

	sum, err := digest.File(absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash file")
		return
	}

	file, err := os.Open(absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}

	h := &handle{
		id:      uuid.New().String(),
		relPath: req.Path,
		absPath: absPath,
		mode:    session.ModeRead,
		file:    file,
		size:    uint64(info.Size()),
	}
	s.putHandle(h)

	writeJSON(w, http.StatusCreated, session.OpenResponse{
		Handle: h.id,
		Size:   h.size,
		Digest: sum,
	})
}

// handleHandleRoutes dispatches /h/{handle}/block/{index}, /close, /abort.
func (s *Server) handleHandleRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, session.BasePath+"/h/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		writeError(w, http.StatusNotFound, "invalid handle route")
		return
	}

	h := s.getHandle(parts[0])
	if h == nil {
		writeError(w, http.StatusNotFound, "handle not found")
		return
	}

	switch parts[1] {
	case "block":
		if len(parts) < 3 {
			writeError(w, http.StatusBadRequest, "block index required")
			return
		}
		index, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid block index")
			return
		}
		switch r.Method {
		case http.MethodPut:
			s.handleBlockWrite(w, r, h, index)
		case http.MethodGet:
			s.handleBlockRead(w, r, h, index)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "close":
		s.handleClose(w, r, h)
	case "abort":
		s.handleAbort(w, r, h)
	default:
		writeError(w, http.StatusNotFound, "invalid action")
	}
}

func (s *Server) handleBlockWrite(w http.ResponseWriter, r *http.Request, h *handle, index uint64) {
	if h.mode != session.ModeWrite {
		writeError(w, http.StatusBadRequest, "handle not open for write")
		return
	}

	offset, err := strconv.ParseUint(r.URL.Query().Get("offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read block data")
		return
	}
	if r.Header.Get(session.HeaderBlockEncoding) == session.EncodingLZ4 {
		if data, err = session.DecompressBlock(data); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if offset+uint64(len(data)) > h.size {
		writeError(w, http.StatusBadRequest, "block exceeds declared file size")
		return
	}

	h.mu.Lock()
	_, err = h.file.WriteAt(data, int64(offset))
	if err == nil {
		h.received += uint64(len(data))
	}
	h.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write block")
		return
	}

	writeJSON(w, http.StatusOK, session.BlockWriteResponse{
		Index:    index,
		Received: uint32(len(data)),
	})
}

func (s *Server) handleBlockRead(w http.ResponseWriter, r *http.Request, h *handle, index uint64) {
	if h.mode != session.ModeRead {
		writeError(w, http.StatusBadRequest, "handle not open for read")
		return
	}

	q := r.URL.Query()
	offset, err := strconv.ParseUint(q.Get("offset"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	length, err := strconv.ParseUint(q.Get("length"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid length")
		return
	}
	if offset+length > h.size {
		writeError(w, http.StatusBadRequest, "block exceeds file size")
		return
	}

	data := make([]byte, length)
	if _, err := h.file.ReadAt(data, int64(offset)); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read block")
		return
	}

	if r.Header.Get(session.HeaderBlockEncoding) == session.EncodingLZ4 {
		compressed, err := session.CompressBlock(data)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set(session.HeaderBlockEncoding, session.EncodingLZ4)
		data = compressed
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleClose commits a write handle: every declared byte must have arrived
// and, when the client sent a digest, the committed file must match it.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, h *handle) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.dropHandle(h.id)

	if h.mode == session.ModeRead {
		_ = h.file.Close()
		writeJSON(w, http.StatusOK, nil)
		return
	}

	h.mu.Lock()
	received := h.received
	h.mu.Unlock()

	if err := h.file.Sync(); err != nil {
		_ = h.file.Close()
		writeError(w, http.StatusInternalServerError, "failed to flush file")
		return
	}
	_ = h.file.Close()

	if received != h.size {
		_ = os.Remove(h.absPath)
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("incomplete file: received %d of %d bytes", received, h.size))
		return
	}

	if h.digest != "" {
		sum, err := digest.File(h.absPath)
		if err != nil || sum != h.digest {
			_ = os.Remove(h.absPath)
			writeError(w, http.StatusBadRequest, "digest mismatch")
			return
		}
	}

	logging.Log.WithField("path", h.relPath).Debug("file committed")
	writeJSON(w, http.StatusOK, nil)
}

// handleAbort drops the handle; a half-written file is deleted.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, h *handle) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.dropHandle(h.id)
	_ = h.file.Close()
	if h.mode == session.ModeWrite {
		_ = os.Remove(h.absPath)
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req session.LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if !req.Overwrite {
		for _, p := range req.Paths {
			absPath, err := s.resolve(p)
			if err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			if _, err := os.Stat(absPath); err == nil {
				writeJSON(w, http.StatusOK, session.LockResponse{
					OK:     false,
					Reason: fmt.Sprintf("file %s already exists", p),
				})
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, session.LockResponse{OK: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	absPath, err := s.resolve(dir)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	dirents, err := os.ReadDir(absPath)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("directory %s not found", dir))
		return
	}

	entries := make([]session.DirEntry, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := session.DirEntry{
			Name:    de.Name(),
			Dir:     de.IsDir(),
			Created: info.ModTime(),
		}
		if !de.IsDir() {
			entry.Size = uint64(info.Size())
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	absPath, err := s.resolve(path)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", path))
		return
	}

	sum, err := digest.File(absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash file")
		return
	}

	writeJSON(w, http.StatusOK, session.FileInfo{
		Name:    info.Name(),
		Size:    uint64(info.Size()),
		Digest:  sum,
		Created: info.ModTime(),
	})
}

func (s *Server) putHandle(h *handle) {
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
}

func (s *Server) getHandle(id string) *handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[id]
}

func (s *Server) dropHandle(id string) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSON(w, statusCode, session.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: msg,
		Code:    statusCode,
	})
}
