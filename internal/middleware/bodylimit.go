package middleware

import (
	"net/http"

	apperrors "github.com/carelink/telehealth-session-go/internal/errors"
	"github.com/carelink/telehealth-session-go/internal/httputil"
)

const (
	// SDP offers with many candidates stay well under this.
	DefaultMaxBodySize = 256 << 10
)

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.ContentLength > m.maxSize {
			appErr := apperrors.ValidationError("Request body too large")
			writeJSON(w, http.StatusRequestEntityTooLarge, httputil.ErrorResponse{
				Error: appErr.Message,
				Code:  appErr.Code,
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
