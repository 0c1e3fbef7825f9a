package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter map; past it the map is dropped and rebuilt.
const maxTrackedIPs = 10000

type ipLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	byIP  map[string]*rate.Limiter
}

func newIPLimiter(perMinute float64) *ipLimiter {
	burst := int(perMinute)
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		every: rate.Every(time.Duration(float64(time.Minute) / perMinute)),
		burst: burst,
		byIP:  make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.byIP[ip]
	if !ok {
		if len(l.byIP) >= maxTrackedIPs {
			l.byIP = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.every, l.burst)
		l.byIP[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// clientIP is RemoteAddr without its port. middleware.RealIP may already have
// replaced it with a bare address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
