package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"signaltrader/pkg/crypto"
)

// TokenAuth - проверка статического токена для изменяющих эндпоинтов.
//
// Токен принимается из заголовка X-API-Key или Authorization: Bearer <token>.
// token может быть bcrypt хешем, тогда сверяется с ним. Пустой token отключает проверку.
func TokenAuth(token string) mux.MiddlewareFunc {
	verify := func(got string) bool {
		// constant-time сравнение против timing attacks
		return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
	if crypto.IsTokenHash(token) {
		verify = func(got string) bool {
			return crypto.VerifyToken(got, token) == nil
		}
	}

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}

			if got == "" || !verify(got) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="signals"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
