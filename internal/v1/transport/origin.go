package transport

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/roomcast/roomcast/internal/v1/logging"
)

// OriginChecker builds the upgrade origin policy from the allow-list. An
// empty list allows every origin, which is only sane behind a gateway that
// enforces its own policy; "*" does the same explicitly. Requests without
// an Origin header (non-browser clients) are always allowed.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[origin] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		logging.Warn(context.Background(), "Rejected WebSocket origin",
			zap.String("origin", origin),
			zap.String("remote_addr", r.RemoteAddr))
		return false
	}
}
