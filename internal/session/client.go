package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options tunes one client session.
type Options struct {
	// Timeout bounds every individual request. Zero means no timeout.
	Timeout time.Duration
	// TLS enables https when non-nil.
	TLS *tls.Config
	// Compress lz4-frames block payloads on the wire.
	Compress bool
}

// Client is one authenticated session against a file store. It speaks the
// request/response protocol under BasePath. A single client may issue block
// reads concurrently; block writes on one handle must be sequential, which
// the push engine guarantees.
type Client struct {
	baseURL    string
	httpClient *http.Client
	compress   bool
}

// NewClient builds a session client for the store at addr (host:port).
func NewClient(addr string, opts Options) *Client {
	scheme := "http"
	transport := http.DefaultTransport
	if opts.TLS != nil {
		scheme = "https"
		transport = &http.Transport{TLSClientConfig: opts.TLS}
	}
	return &Client{
		baseURL: fmt.Sprintf("%s://%s%s", scheme, addr, BasePath),
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		compress: opts.Compress,
	}
}

// Open requests a remote handle for path. In write mode the store creates or
// truncates the file; with overwrite false an existing file fails the open.
// In read mode the response reports the remote size and digest.
func (c *Client) Open(ctx context.Context, req OpenRequest) (OpenResponse, error) {
	var out OpenResponse
	if err := c.postJSON(ctx, c.baseURL+"/open", req, &out); err != nil {
		return OpenResponse{}, err
	}
	return out, nil
}

// WriteBlock sends one block's bytes to a write handle.
func (c *Client) WriteBlock(ctx context.Context, handle string, index, offset uint64, data []byte) error {
	payload := data
	encoding := ""
	if c.compress {
		compressed, err := CompressBlock(data)
		if err != nil {
			return err
		}
		payload, encoding = compressed, EncodingLZ4
	}

	u := fmt.Sprintf("%s/h/%s/block/%d?offset=%d", c.baseURL, handle, index, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if encoding != "" {
		req.Header.Set(HeaderBlockEncoding, encoding)
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}

	var ack BlockWriteResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return fmt.Errorf("%w: bad write ack: %v", ErrSessionLost, err)
	}
	if ack.Received != uint32(len(data)) {
		return fmt.Errorf("%w: block %d: sent %d bytes, store acknowledged %d",
			ErrShortTransfer, index, len(data), ack.Received)
	}
	return nil
}

// ReadBlock fetches one block from a read handle. The returned slice is
// exactly length bytes unless the store misbehaves, which the caller treats
// as a short transfer.
func (c *Client) ReadBlock(ctx context.Context, handle string, index, offset uint64, length uint32) ([]byte, error) {
	u := fmt.Sprintf("%s/h/%s/block/%d?offset=%d&length=%d", c.baseURL, handle, index, offset, length)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.compress {
		req.Header.Set(HeaderBlockEncoding, EncodingLZ4)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	if resp.Header.Get(HeaderBlockEncoding) == EncodingLZ4 {
		if data, err = DecompressBlock(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// Close finalizes a handle. For write handles the store commits the file and
// checks that every byte arrived.
func (c *Client) Close(ctx context.Context, handle string) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/h/%s/close", c.baseURL, handle), nil, nil)
}

// Abort drops a handle and any half-written remote state. Best effort: the
// engines call it on every failure path.
func (c *Client) Abort(ctx context.Context, handle string) error {
	return c.postJSON(ctx, fmt.Sprintf("%s/h/%s/abort", c.baseURL, handle), nil, nil)
}

// Lock checks a batch of target paths against the overwrite policy in one
// request, before an image push moves any data.
func (c *Client) Lock(ctx context.Context, paths []string, overwrite bool) error {
	var out LockResponse
	if err := c.postJSON(ctx, c.baseURL+"/lock", LockRequest{Paths: paths, Overwrite: overwrite}, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, out.Reason)
	}
	return nil
}

// List returns the contents of a remote directory.
func (c *Client) List(ctx context.Context, dir string) ([]DirEntry, error) {
	var entries []DirEntry
	u := c.baseURL + "/list?dir=" + url.QueryEscape(dir)
	if err := c.getJSON(ctx, u, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Stat returns metadata for one remote file.
func (c *Client) Stat(ctx context.Context, path string) (FileInfo, error) {
	var info FileInfo
	u := c.baseURL + "/stat?path=" + url.QueryEscape(path)
	if err := c.getJSON(ctx, u, &info); err != nil {
		return FileInfo{}, err
	}
	return info, nil
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return remoteError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: bad response body: %v", ErrSessionLost, err)
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: bad response body: %v", ErrSessionLost, err)
	}
	return nil
}

// do issues the request and folds transport-level failures into the
// session-lost taxonomy.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}
	return resp, nil
}

// remoteError maps a non-2xx reply onto the failure taxonomy.
func remoteError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrRemoteRejected, msg)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrRemoteRejected, msg, resp.Status)
	}
}
