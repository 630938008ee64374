package middleware

import (
	"log"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

// RateLimit 用令牌桶限制请求速率，超出时返回 429。
// perSecond <= 0 表示不限流。
func RateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	retryAfter := strconv.Itoa(int(math.Ceil(1 / perSecond)))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				log.Printf("[ratelimit] rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				w.Header().Set("Retry-After", retryAfter)
				utils.RespondError(w, http.StatusTooManyRequests, "too many stream start requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
