package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Tyrowin/nexus/internal/auth"
	"github.com/Tyrowin/nexus/internal/call"
	"github.com/Tyrowin/nexus/internal/notify"
	"github.com/Tyrowin/nexus/internal/registry"
)

// Error codes carried by error frames and JSON error bodies.
const (
	codeBadRequest     = "bad_request"
	codeUnauthorized   = "unauthorized"
	codeRateLimited    = "rate_limited"
	codeBusy           = "busy"
	codeUnreachable    = "unreachable"
	codeNotPermitted   = "not_permitted"
	codeInvalidState   = "invalid_state"
	codeNotParticipant = "not_participant"
	codeNotFound       = "not_found"
	codeInternal       = "internal"
)

// classify maps a coordinator error to a wire code and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, registry.ErrMalformedID), errors.Is(err, notify.ErrUnknownKind),
		errors.Is(err, errMalformedFrame), errors.Is(err, errUnknownFrame):
		return codeBadRequest, http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return codeUnauthorized, http.StatusUnauthorized
	case errors.Is(err, call.ErrBusy):
		return codeBusy, http.StatusConflict
	case errors.Is(err, call.ErrUnreachable):
		return codeUnreachable, http.StatusConflict
	case errors.Is(err, call.ErrInvalidState):
		return codeInvalidState, http.StatusConflict
	case errors.Is(err, call.ErrNotPermitted):
		return codeNotPermitted, http.StatusForbidden
	case errors.Is(err, call.ErrNotParticipant):
		return codeNotParticipant, http.StatusForbidden
	case errors.Is(err, call.ErrNotFound):
		return codeNotFound, http.StatusNotFound
	default:
		return codeInternal, http.StatusInternalServerError
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
