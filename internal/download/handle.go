package download

import (
	"context"
	"sync"
)

// transfer is one running download shared by every Handle subscribed to it.
type transfer struct {
	req    Request
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished bool
	aborting bool // last handle gone, transfer is being cancelled
	err      error
	last     *Progress
	subs     map[*Handle]struct{}
}

func newTransfer(req Request, cancel context.CancelFunc) *transfer {
	return &transfer{
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   map[*Handle]struct{}{},
	}
}

func (t *transfer) isFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

func (t *transfer) joinable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.finished && !t.aborting
}

// subscribe adds a handle. It fails once the transfer has finished or is being
// aborted.
func (t *transfer) subscribe() (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.aborting {
		return nil, false
	}
	h := &Handle{t: t, progress: make(chan Progress, 1), stop: make(chan struct{})}
	t.subs[h] = struct{}{}
	if t.last != nil {
		h.offer(*t.last)
	}
	return h, true
}

func (t *transfer) unsubscribe(h *Handle) {
	t.mu.Lock()
	if _, ok := t.subs[h]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, h)
	close(h.progress)
	unwatch := h.unwatch
	h.unwatch = nil
	last := len(t.subs) == 0 && !t.finished
	if last {
		t.aborting = true
	}
	t.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if last {
		t.cancel()
	}
}

func (t *transfer) publish(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &p
	for h := range t.subs {
		h.offer(p)
	}
}

func (t *transfer) finish(err error) {
	t.mu.Lock()
	t.finished = true
	t.err = err
	var unwatch []func() bool
	for h := range t.subs {
		close(h.progress)
		if h.unwatch != nil {
			unwatch = append(unwatch, h.unwatch)
			h.unwatch = nil
		}
	}
	t.subs = map[*Handle]struct{}{}
	t.mu.Unlock()
	for _, stop := range unwatch {
		stop()
	}
	t.cancel()
	close(t.done)
}

// Handle is one caller's view of a transfer.
type Handle struct {
	t        *transfer
	progress chan Progress
	stop     chan struct{}
	once     sync.Once
	unwatch  func() bool // guarded by t.mu
}

// watch cancels h when ctx is done. The watcher is released once h leaves the
// transfer.
func (h *Handle) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, h.Cancel)
	h.t.mu.Lock()
	if _, ok := h.t.subs[h]; ok {
		h.unwatch = stop
		stop = nil
	}
	h.t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// offer replaces a pending unread update with p. Callers hold t.mu.
func (h *Handle) offer(p Progress) {
	select {
	case <-h.progress:
	default:
	}
	h.progress <- p
}

// Progress delivers the latest progress update. Updates not read in time are
// replaced by newer ones. The channel is closed when the transfer ends or the
// handle is cancelled.
func (h *Handle) Progress() <-chan Progress {
	return h.progress
}

// Wait blocks until the transfer ends and returns its error. A cancelled handle
// returns context.Canceled without waiting for the other subscribers.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.t.done:
		h.t.mu.Lock()
		defer h.t.mu.Unlock()
		return h.t.err
	case <-h.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel detaches the handle. The transfer is aborted once no handle is left.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		close(h.stop)
		h.t.unsubscribe(h)
	})
}

// Destination is the path the artifact is written to.
func (h *Handle) Destination() string {
	return h.t.req.Destination
}
