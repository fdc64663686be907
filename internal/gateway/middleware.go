package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/poolheat/controller/internal/auth"
	"github.com/poolheat/controller/internal/errors"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 16 * 1024

type sessionKey struct{}

// sessionFrom returns the session attached by requireAuth.
func sessionFrom(ctx context.Context) *auth.Session {
	sess, _ := ctx.Value(sessionKey{}).(*auth.Session)
	return sess
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// Browsers cannot set headers on a websocket handshake, so upgrade requests
// may carry it in the token query parameter instead.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if websocket.IsWebSocketUpgrade(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

// requireAuth rejects requests without a live session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="poolheat"`)
			writeError(w, errors.CodeAuthRequired, "authentication required")
			return
		}

		sess, err := s.deps.Auth.Validate(token)
		switch {
		case stderrors.Is(err, auth.ErrTokenExpired):
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="session expired"`)
			w.Header().Set("X-Session-Expired", "1")
			writeError(w, errors.CodeAuthExpired, "session expired")
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, errors.CodeAuthInvalid, "invalid session token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

// loopbackOnly restricts a handler to requests from the controller itself.
func (s *Server) loopbackOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) {
			log.Printf("gateway: rejected non-loopback request to %s from %s", r.URL.Path, r.RemoteAddr)
			writeError(w, errors.CodeAuthForbidden, "this endpoint is only available on the controller")
			return
		}
		next(w, r)
	}
}

// isLoopbackRequest checks if the request originates from the local machine.
// Unparseable addresses are rejected.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("gateway: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// authErrorCode maps SessionAuth errors onto the taxonomy.
func authErrorCode(err error) string {
	switch {
	case stderrors.Is(err, auth.ErrNotProvisioned):
		return errors.CodeAuthProvisioningRequired
	case stderrors.Is(err, auth.ErrAlreadyProvisioned):
		return errors.CodeAuthAlreadyProvisioned
	case stderrors.Is(err, auth.ErrRateLimited):
		return errors.CodeAuthRateLimited
	case stderrors.Is(err, auth.ErrInvalidCredentials):
		return errors.CodeAuthInvalid
	case stderrors.Is(err, auth.ErrPasswordTooShort):
		return errors.CodeValidationPassword
	default:
		return errors.CodeInternal
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidRequest("invalid JSON body")
	}
	return nil
}

// writeJSON sends v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: failed to encode response: %v", err)
		return err
	}
	return nil
}

// writeError sends a JSON error response with taxonomy code and next action.
func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, errors.HTTPStatus(code), errors.NewErrorResponse(code, message))
}

// writeCoded sends err as a JSON error response. Uncoded errors are logged
// and reported as internal.
func writeCoded(w http.ResponseWriter, err error) {
	code, msg := errors.ToCodeAndMessage(err)
	if code == errors.CodeUnknown {
		log.Printf("gateway: unexpected error: %v", err)
		code, msg = errors.CodeInternal, "internal error"
	}
	writeError(w, code, msg)
}
