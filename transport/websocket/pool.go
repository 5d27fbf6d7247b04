package websocket

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// idleEntry is one idle Transport sitting in a Pool's per-URL queue.
type idleEntry struct {
	transport *Transport
	lastUsed  time.Time
}

// Pool is the client-side WebSocket connection pool (§4.12): a bounded
// FIFO queue of idle Transports per target URL, reusing live connections
// and bounding total concurrent connections per URL.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	idle     map[string]*list.List // url -> *list.List of *idleEntry
	inUse    map[string]int
	waiters  map[string][]chan struct{}
	closed   bool
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	MaxPerURL  int
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.MaxPerURL <= 0 {
		c.MaxPerURL = 10
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

// NewPool builds an empty Pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:     cfg,
		idle:    make(map[string]*list.List),
		inUse:   make(map[string]int),
		waiters: make(map[string][]chan struct{}),
	}
}

// Acquire returns a live Transport for url: an idle one if available (and
// not past its idle timeout), or a freshly dialed one if the URL is below
// MaxPerURL, or it blocks until a release() frees a slot.
func (p *Pool) Acquire(ctx context.Context, url string) (*Transport, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, context.Canceled
		}

		if q, ok := p.idle[url]; ok {
			for q.Len() > 0 {
				el := q.Front()
				q.Remove(el)
				entry := el.Value.(*idleEntry)
				if time.Since(entry.lastUsed) > p.cfg.IdleTimeout || entry.transport.isClosed() {
					entry.transport.Close()
					continue
				}
				p.inUse[url]++
				p.mu.Unlock()
				return entry.transport, nil
			}
		}

		if p.inUse[url] < p.cfg.MaxPerURL {
			p.inUse[url]++
			p.mu.Unlock()
			t, err := Dial(ctx, Config{URL: url, DialTimeout: p.cfg.DialTimeout})
			if err != nil {
				p.mu.Lock()
				p.inUse[url]--
				p.mu.Unlock()
				return nil, err
			}
			return t, nil
		}

		waitCh := make(chan struct{})
		p.waiters[url] = append(p.waiters[url], waitCh)
		p.mu.Unlock()

		select {
		case <-waitCh:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns t to the idle queue for url with a fresh last-used
// timestamp, or closes it outright if the pool has been closed.
func (p *Pool) Release(url string, t *Transport) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.Close()
		return
	}

	p.inUse[url]--
	q, ok := p.idle[url]
	if !ok {
		q = list.New()
		p.idle[url] = q
	}
	q.PushBack(&idleEntry{transport: t, lastUsed: time.Now()})

	var wake chan struct{}
	if ws := p.waiters[url]; len(ws) > 0 {
		wake = ws[0]
		p.waiters[url] = ws[1:]
	}
	p.mu.Unlock()

	if wake != nil {
		close(wake)
	}
}

// Close drains and closes every idle entry across all URLs. In-flight
// (acquired) transports are unaffected; callers are expected to Close
// them directly when done.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = make(map[string]*list.List)
	waiters := p.waiters
	p.waiters = make(map[string][]chan struct{})
	p.mu.Unlock()

	for _, q := range idle {
		for el := q.Front(); el != nil; el = el.Next() {
			el.Value.(*idleEntry).transport.Close()
		}
	}
	for _, ws := range waiters {
		for _, w := range ws {
			close(w)
		}
	}
}
