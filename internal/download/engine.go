// Package download fetches release artifacts to disk. At most one transfer runs per
// URL; further requests for the same URL join it.
package download

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/httpclient"
	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/verify"
)

const (
	maxFinishedTransfers = 30
	copyBufferSize       = 32 << 10
	// without a content length, bytes-only progress is reported at this granularity
	unknownSizeStep = 256 << 10
)

// Streamer opens a download stream. httpclient.Client implements it.
// ErrRequestMismatch is returned when a request joins a running transfer for the
// same URL but asks for a different destination, size or hash.
var ErrRequestMismatch = errors.New("download already running with a different request")

type Streamer interface {
	Stream(ctx context.Context, url string, opts ...httpclient.RequestOption) (*http.Response, error)
}

type Request struct {
	URL          string
	Destination  string
	ExpectedSize int64  // 0 when unknown
	ExpectedHash string // "sha256:<hex>", optional
}

// Progress of a transfer. Percent is nil when the server sent no content length.
type Progress struct {
	Percent *int
	Bytes   int64
}

type Engine struct {
	client  Streamer
	running atomic.Int32

	mu        sync.Mutex
	transfers map[string]*transfer
}

func NewEngine(client Streamer) *Engine {
	return &Engine{client: client, transfers: map[string]*transfer{}}
}

// Running reports the number of transfers in progress.
func (e *Engine) Running() int {
	return int(e.running.Load())
}

// Download starts a transfer, or joins the one already running for req.URL. A
// join must carry the same request as the running transfer. The returned handle
// is cancelled when ctx is done.
func (e *Engine) Download(ctx context.Context, req Request) (*Handle, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse download url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", model.ErrInsecureURL, req.URL)
	}
	if req.Destination == "" {
		return nil, errors.New("download destination is empty")
	}

	e.mu.Lock()
	if t, ok := e.transfers[req.URL]; ok && t.joinable() {
		if t.req != req {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: %s to %s", ErrRequestMismatch, req.URL, t.req.Destination)
		}
		if h, ok := t.subscribe(); ok {
			e.mu.Unlock()
			log.WithField("url", req.URL).Debug("joining running download")
			h.watch(ctx)
			return h, nil
		}
	}
	e.cleanupLocked()
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTransfer(req, cancel)
	e.transfers[req.URL] = t
	h, _ := t.subscribe()
	e.running.Add(1)
	e.mu.Unlock()

	go e.run(tctx, t)
	h.watch(ctx)
	return h, nil
}

func (e *Engine) cleanupLocked() {
	if len(e.transfers) < maxFinishedTransfers {
		return
	}
	for u, t := range e.transfers {
		if t.isFinished() {
			delete(e.transfers, u)
		}
	}
}

func (e *Engine) transferCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}

func (e *Engine) run(ctx context.Context, t *transfer) {
	defer e.running.Add(-1)
	err := e.fetch(ctx, t)
	fields := log.Fields{"url": t.req.URL, "destination": t.req.Destination}
	if err != nil {
		log.WithFields(fields).Warnf("download failed: %v", err)
	} else {
		log.WithFields(fields).Info("download finished")
	}
	t.finish(err)
}

func (e *Engine) fetch(ctx context.Context, t *transfer) (err error) {
	req := t.req
	dir := filepath.Dir(req.Destination)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	part := fmt.Sprintf("%s.%s.part", req.Destination, uuid.NewString())
	out, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", part, err)
	}
	defer func() {
		if err != nil {
			_ = out.Close()
			if rmErr := os.Remove(part); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warnf("remove partial file %s: %v", part, rmErr)
			}
		}
	}()

	resp, err := e.client.Stream(ctx, req.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total > 0 && req.ExpectedSize > 0 && total != req.ExpectedSize {
		return fmt.Errorf("%w: server announced %d bytes, expected %d", model.ErrSizeMismatch, total, req.ExpectedSize)
	}

	var hasher hash.Hash
	var algo, wantHash string
	if req.ExpectedHash != "" {
		algo, wantHash, err = verify.ParseDigest(req.ExpectedHash)
		if err != nil {
			return err
		}
		if hasher, err = verify.NewHash(algo); err != nil {
			return err
		}
	}

	written, err := copyWithProgress(out, resp.Body, hasher, total, t.publish)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var netErr *model.NetworkError
		if errors.As(err, &netErr) {
			return err
		}
		return &model.NetworkError{URL: req.URL, Err: err}
	}
	if total > 0 && written != total {
		return fmt.Errorf("%w: received %d of %d bytes", model.ErrSizeMismatch, written, total)
	}
	if req.ExpectedSize > 0 && written != req.ExpectedSize {
		return fmt.Errorf("%w: received %d bytes, expected %d", model.ErrSizeMismatch, written, req.ExpectedSize)
	}
	if hasher != nil {
		if got := hex.EncodeToString(hasher.Sum(nil)); got != wantHash {
			return fmt.Errorf("%w: %s %s, expected %s", model.ErrHashMismatch, algo, got, wantHash)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", part, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, req.Destination); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}
	return nil
}

type readError struct{ err error }

func (r readError) Error() string { return r.err.Error() }
func (r readError) Unwrap() error { return r.err }

func copyWithProgress(dst io.Writer, src io.Reader, hasher hash.Hash, total int64, publish func(Progress)) (int64, error) {
	if hasher != nil {
		dst = io.MultiWriter(dst, hasher)
	}
	var (
		written     int64
		lastPercent = -1
		lastBytes   int64
		buf         = make([]byte, copyBufferSize)
	)
	emit := func(force bool) {
		if total > 0 {
			pct := int(written * 100 / total)
			if pct > 100 {
				pct = 100
			}
			if pct == lastPercent && !force {
				return
			}
			lastPercent = pct
			publish(Progress{Percent: &pct, Bytes: written})
			return
		}
		if !force && written-lastBytes < unknownSizeStep {
			return
		}
		lastBytes = written
		publish(Progress{Bytes: written})
	}
	emit(true)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			written += int64(n)
			emit(false)
		}
		if errors.Is(rerr, io.EOF) {
			if total <= 0 {
				emit(true)
			}
			return written, nil
		}
		if rerr != nil {
			return written, readError{rerr}
		}
	}
}
