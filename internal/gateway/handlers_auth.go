package gateway

import (
	"net/http"
	"time"

	"github.com/poolheat/controller/internal/auth"
	"github.com/poolheat/controller/internal/errors"
)

// ProvisioningStatus is the GET /api/provisioning response.
type ProvisioningStatus struct {
	Provisioned bool   `json:"provisioned"`
	Username    string `json:"username,omitempty"`
}

// CredentialsRequest is the body of login and first-boot provisioning.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries a new bearer token.
type TokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int64  `json:"expiresInSeconds"`
}

func (s *Server) handleProvisioningStatus(w http.ResponseWriter, r *http.Request) {
	username, err := s.deps.Auth.Username()
	if err != nil {
		writeCoded(w, errors.Internal("load admin account", err))
		return
	}
	writeJSON(w, http.StatusOK, ProvisioningStatus{Provisioned: username != "", Username: username})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}

	sess, err := s.deps.Auth.Provision(req.Username, req.Password)
	if err != nil {
		writeError(w, authErrorCode(err), err.Error())
		return
	}
	s.recordAdminEvent("", "admin account provisioned")
	writeJSON(w, http.StatusCreated, s.tokenResponse(sess))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}

	sess, err := s.deps.Auth.Login(req.Username, req.Password)
	if err != nil {
		code := authErrorCode(err)
		if code == errors.CodeAuthInvalid {
			w.Header().Set("WWW-Authenticate", `Bearer realm="poolheat"`)
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.tokenResponse(sess))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r.Context()); sess != nil {
		s.deps.Auth.Logout(sess.Token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeCoded(w, err)
		return
	}

	if !s.admin.TryLock() {
		writeCoded(w, errors.AdminInProgress("another admin action"))
		return
	}
	defer s.admin.Unlock()

	if err := s.deps.Auth.ChangePassword(req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, authErrorCode(err), err.Error())
		return
	}
	s.recordAdminEvent("", "admin password changed, all sessions revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tokenResponse(sess *auth.Session) TokenResponse {
	return TokenResponse{
		Token:            sess.Token,
		ExpiresInSeconds: int64(sess.ExpiresAt.Sub(sess.IssuedAt) / time.Second),
	}
}
