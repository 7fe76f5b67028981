package stream

import "sync"

// streamLimiter caps concurrent SSE connections per client IP and across
// the whole server.
type streamLimiter struct {
	mu       sync.Mutex
	perIP    map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	return &streamLimiter{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// tryAcquire reserves a slot for ip. On success the returned release func
// frees it; calling release more than once is a no-op.
func (l *streamLimiter) tryAcquire(ip string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal || l.perIP[ip] >= l.maxPerIP {
		return nil, false
	}
	l.perIP[ip]++
	l.total++

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ip) })
	}, true
}

func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total--
	if l.perIP[ip]--; l.perIP[ip] <= 0 {
		delete(l.perIP, ip)
	}
}

// active returns the open connections for ip.
func (l *streamLimiter) active(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}
