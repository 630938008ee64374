package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/zhouzirui/arc-relay/backend/pkg/utils"
)

// AdminTokenHeader carries the admin token.
const AdminTokenHeader = "X-Admin-Token"

// AdminOnly 要求请求携带正确的管理令牌。token 为空时管理接口整体关闭。
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				utils.RespondError(w, http.StatusNotFound, "admin endpoints are disabled")
				return
			}
			given := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				utils.RespondError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
