package middleware

import (
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-core/pkg/apperr"
)

// MaxIDLength bounds path identifiers.
const MaxIDLength = 128

// ValidateID checks a path identifier before it reaches the store.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Invalid(apperr.CodeMissingFields, "id is required")
	}
	if len(id) > MaxIDLength {
		return apperr.Invalid(apperr.CodeInvalidArgument, "id exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return apperr.Invalid(apperr.CodeInvalidArgument, "id must be valid UTF-8")
	}
	return nil
}

// ValidateURLParams rejects requests whose named chi URL params are not
// valid identifiers.
func ValidateURLParams(names ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, name := range names {
				if err := ValidateID(chi.URLParam(r, name)); err != nil {
					apperr.WriteHTTP(w, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBodyBytes caps request bodies.
func MaxBodyBytes(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON rejects request bodies not declared as application/json.
// HTML forms cannot send that type cross-site without a CORS preflight.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mediaType != "application/json" {
				apperr.WriteHTTP(w, apperr.Invalid(apperr.CodeInvalidArgument, "content type must be application/json"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
