package preview

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikequentel/notesky/internal/model"
	"github.com/mikequentel/notesky/internal/richtext"
)

// PageFetcher is what the refresher needs from Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) model.LinkPreview
}

// Refresher keeps the link preview in step with the compose text. Text
// changes are debounced; every fetch is tagged with a generation and its
// result is dropped unless that generation is still the latest when it lands.
type Refresher struct {
	fetcher PageFetcher
	delay   time.Duration
	logger  *zap.Logger

	// OnUpdate, if set, is called after the current preview changes.
	// It runs without the refresher's lock held.
	OnUpdate func(*model.LinkPreview)

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	current  *model.LinkPreview
	inflight string        // URL of the fetch for gen, if one is running
	done     chan struct{} // closed when the inflight fetch returns
	blocked  bool
	closed   bool
	wg       sync.WaitGroup
}

func NewRefresher(fetcher PageFetcher, delay time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{fetcher: fetcher, delay: delay, logger: logger}
}

// Schedule restarts the quiet period; text is inspected when it expires.
func (r *Refresher) Schedule(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.delay, func() { r.update(context.Background(), text, false) })
}

// Refresh inspects text now. It waits for the fetch it starts, or for the
// one already running for the same URL.
func (r *Refresher) Refresh(ctx context.Context, text string) {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.update(ctx, text, true)
}

// Current returns a copy of the applied preview, or nil.
func (r *Refresher) Current() *model.LinkPreview {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	p := *r.current
	return &p
}

// Block drops the current preview and ignores text until Unblock. Attached
// images and link cards never go out together.
func (r *Refresher) Block() {
	r.mu.Lock()
	r.blocked = true
	changed := r.resetLocked()
	r.mu.Unlock()
	if changed {
		r.notify(nil)
	}
}

func (r *Refresher) Unblock() {
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
}

// Reset forgets the current preview and invalidates running fetches.
func (r *Refresher) Reset() {
	r.mu.Lock()
	changed := r.resetLocked()
	r.mu.Unlock()
	if changed {
		r.notify(nil)
	}
}

// Close cancels the pending quiet period. A fetch already on the wire is
// left to finish and its result discarded.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

// Wait blocks until background fetches have returned.
func (r *Refresher) Wait() { r.wg.Wait() }

func (r *Refresher) resetLocked() bool {
	r.gen++
	r.inflight = ""
	r.done = nil
	changed := r.current != nil
	r.current = nil
	return changed
}

func (r *Refresher) update(ctx context.Context, text string, wait bool) {
	url := richtext.FirstURL(text)

	r.mu.Lock()
	if r.closed || r.blocked {
		r.mu.Unlock()
		return
	}
	if url != "" && r.current != nil && r.current.URL == url {
		r.mu.Unlock()
		return
	}
	if url != "" && r.inflight == url {
		done := r.done
		r.mu.Unlock()
		if wait {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		return
	}
	changed := r.resetLocked()
	gen := r.gen
	var done chan struct{}
	if url != "" {
		done = make(chan struct{})
		r.inflight, r.done = url, done
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if changed {
		r.notify(nil)
	}
	if url == "" {
		return
	}
	if wait {
		r.fetch(ctx, gen, url, done)
		return
	}
	go r.fetch(ctx, gen, url, done)
}

func (r *Refresher) fetch(ctx context.Context, gen uint64, url string, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	p := r.fetcher.Fetch(ctx, url)

	r.mu.Lock()
	if gen != r.gen || r.closed || r.blocked {
		r.mu.Unlock()
		r.logger.Debug("discarding stale link preview", zap.String("url", url), zap.Uint64("generation", gen))
		return
	}
	r.current = &p
	r.inflight, r.done = "", nil
	r.mu.Unlock()
	r.notify(&p)
}

func (r *Refresher) notify(p *model.LinkPreview) {
	if r.OnUpdate != nil {
		r.OnUpdate(p)
	}
}
