package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// CORS returns middleware that answers preflight requests and echoes
// allowed origins. Entries may be exact origins, "*" or suffix wildcards
// such as "https://*.pages.dev". An empty list allows every origin.
func CORS(origins []string) mux.MiddlewareFunc {
	exact := make(map[string]bool, len(origins))
	var wildcardSuffixes []string
	allowAll := len(origins) == 0
	for _, o := range origins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			wildcardSuffixes = append(wildcardSuffixes, strings.Replace(o, "*", "", 1))
		default:
			exact[o] = true
		}
	}

	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			// "https://.pages.dev" splits into scheme and domain suffix.
			parts := strings.SplitN(suffix, "//", 2)
			if len(parts) == 2 {
				if strings.HasPrefix(origin, parts[0]+"//") && strings.HasSuffix(origin, parts[1]) {
					return true
				}
			} else if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
