// Package ratelimit limits requests per client IP address.
package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"weak"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	defaultRate  = rate.Limit(0.5)
	defaultBurst = 10
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ratelimit_rejected_requests_total",
	Help: "Requests rejected by a rate limiter.",
}, []string{"limiter"})

// Middleware rate limits requests per IP address with a token bucket.
// Limiters are held weakly, so idle addresses are dropped once collected.
type Middleware struct {
	// Name labels the rejection metric and logs.
	Name string
	// Rate is the sustained requests per second. Defaults to 0.5.
	Rate rate.Limit
	// Burst is how many requests may be made at once before Rate applies.
	// Defaults to 10.
	Burst int

	cache    *sync.Map // map[string]weak.Pointer[rate.Limiter]
	initOnce sync.Once
}

// Wrap rate limits next. Requests over the limit get a 429 with a
// Retry-After header.
//
// The address comes from r.RemoteAddr, so behind a proxy this should run
// after middleware like chi's RealIP.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.initOnce.Do(func() {
			m.cache = &sync.Map{}
			if m.Rate == 0 {
				m.Rate = defaultRate
			}
			if m.Burst == 0 {
				m.Burst = defaultBurst
			}
		})

		// unix sockets and RealIP rewritten addresses have no port.
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}

		if !m.limiter(ip).Allow() {
			rejectedTotal.WithLabelValues(m.Name).Inc()
			slog.WarnContext(r.Context(), "rate limit exceeded", "limiter", m.Name, "remote-ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(1/float64(m.Rate)))))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) limiter(ip string) *rate.Limiter {
	for {
		if v, ok := m.cache.Load(ip); ok {
			if l := v.(weak.Pointer[rate.Limiter]).Value(); l != nil {
				return l
			}
			m.cache.CompareAndDelete(ip, v)
		}

		l := rate.NewLimiter(m.Rate, m.Burst)
		wp := weak.Make(l)
		if _, loaded := m.cache.LoadOrStore(ip, wp); loaded {
			// lost the race, use the winner's.
			continue
		}
		runtime.AddCleanup(l, func(ip string) {
			m.cache.CompareAndDelete(ip, wp)
		}, ip)
		return l
	}
}
