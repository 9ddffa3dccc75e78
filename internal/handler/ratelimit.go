package handler

import (
	"net"
	"net/http"

	"otp-service/internal/otp"
	"otp-service/internal/util"
)

// IPRateLimiter throttles requests per client IP over a fixed window.
// It is independent of the per-identifier throttle inside the manager.
type IPRateLimiter struct {
	ledger otp.Ledger
	max    int
}

func NewIPRateLimiter(ledger otp.Ledger, max int) *IPRateLimiter {
	return &IPRateLimiter{ledger: ledger, max: max}
}

// Middleware rejects requests once an IP exceeds the window allowance.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		count, err := l.ledger.Increment(r.Context(), ip)
		if err != nil {
			// Counting failures should not take the service down.
			util.Warn("ip rate limit check failed", util.ErrorField(err))
			next.ServeHTTP(w, r)
			return
		}

		if count > l.max {
			util.Warn("ip rate limit exceeded",
				util.String("ip", ip),
				util.Int("count", count))
			writeError(w, http.StatusTooManyRequests, "Too many requests from this IP, please try again later", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
