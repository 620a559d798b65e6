package security

import (
	"net/http"
	"regexp"

	"motion/internal/constants"
)

var projectIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateProjectID accepts short identifiers that are safe to use as a directory name.
func ValidateProjectID(id string) bool {
	if id == "" || len(id) > constants.MaxProjectIDLength {
		return false
	}
	return projectIDRegex.MatchString(id)
}

// ValidateOrigin checks if request origin is allowed
func ValidateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // No origin header = same origin or direct request
	}

	if len(allowedOrigins) == 0 {
		return true // Allow all if no restriction set
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	return false
}

// MaxBodySize middleware limits request body size
func MaxBodySize(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
