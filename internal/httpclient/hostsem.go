package httpclient

import (
	"net/url"
	"sync"
	"time"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/metrics"
)

// slowAcquire is the contention threshold above which a gate wait is logged.
const slowAcquire = time.Second

// HostSemaphore gates outbound requests per origin host so the proxy
// handlers and DoWithRetry callers (catalog sync) cannot pile onto one
// upstream at once; health probes do not pass through it. Waits are observed in the upstream_host_gate_wait_seconds histogram;
// waits longer than a second are logged.
//
//	release := GlobalHostSem.Acquire(rawURL)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

// GlobalHostSem caps concurrent requests at 4 per host across the process.
var GlobalHostSem = NewHostSemaphore(4)

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		slots: make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is free for rawURL's host and returns a
// release func.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	key := hostKey(rawURL)
	sem := h.slotFor(key)

	start := time.Now()
	sem <- struct{}{}
	wait := time.Since(start)
	metrics.UpstreamHostWait.Observe(wait.Seconds())
	if wait > slowAcquire {
		log.WithComponent("httpclient").Debug().
			Str("host", key).Dur("wait", wait).Msg("host gate contention")
	}
	return func() { <-sem }
}

// hostKey normalises a request URL to its scheme+host; unparseable inputs
// gate on the raw string.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func (h *HostSemaphore) slotFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.slots[key] = s
	}
	return s
}
