package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// basicAuth checks HTTP basic credentials against bcrypt hashes keyed by user.
func basicAuth(realm string, users map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, pass, ok := r.BasicAuth(); ok && checkPassword(users, user, pass) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func checkPassword(users map[string]string, user, pass string) bool {
	hash, found := users[user]
	if !found {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}
