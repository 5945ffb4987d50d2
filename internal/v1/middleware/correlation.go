// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roomcast/roomcast/internal/v1/logging"
)

// HeaderXCorrelationID carries the request's correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with a correlation id, reusing the one the
// caller presented or minting a fresh one. The id is echoed in the response
// header and planted in the request context under the typed logging key, so
// every log line on the request's path carries it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
