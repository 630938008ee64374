package middleware

import (
	"net/http"
	"strings"
)

// CORS 根据允许的来源列表设置跨域响应头。列表包含 "*" 时允许任意来源。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && OriginAllowed(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Admin-Token, Last-Event-ID")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed 判断 origin 是否在允许列表中，比较时忽略大小写和末尾斜杠。
func OriginAllowed(allowedOrigins []string, origin string) bool {
	origin = strings.TrimSuffix(strings.ToLower(origin), "/")
	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return true
		}
		if strings.TrimSuffix(strings.ToLower(allowed), "/") == origin {
			return true
		}
	}
	return false
}
