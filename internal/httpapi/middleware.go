package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/tracking"
)

type viewerContextKey struct{}

// bodyLimit caps request bodies at maxBytes.
func bodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestID tags every response with an X-Request-ID, reusing the caller's.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// requireHookKey accepts any configured key in X-Hook-Key. With no keys
// configured every caller is accepted.
func requireHookKey(keys map[string]struct{}) func(http.Handler) http.Handler {
	if len(keys) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("X-Hook-Key"))
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing X-Hook-Key header")
				return
			}
			if _, ok := keys[key]; !ok {
				writeError(w, http.StatusUnauthorized, "invalid hook key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withViewer reads the storefront's viewer headers and the analytics
// cookies into the request context.
func withViewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := tracking.Viewer{
			Identity: identity.Request{Cookies: cookieMap(r)},
		}
		if raw := strings.TrimSpace(r.Header.Get("X-User-ID")); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				v.UserID = id
			}
		}
		for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				v.Roles = append(v.Roles, role)
			}
		}
		ctx := context.WithValue(r.Context(), viewerContextKey{}, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func viewerFromContext(ctx context.Context) tracking.Viewer {
	v, _ := ctx.Value(viewerContextKey{}).(tracking.Viewer)
	return v
}

func cookieMap(r *http.Request) map[string]string {
	out := map[string]string{}
	for _, c := range r.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}
