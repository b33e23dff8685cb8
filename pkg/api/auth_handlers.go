package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/anvil/pkg/apperr"
	"github.com/platinummonkey/anvil/pkg/auth"
	"github.com/platinummonkey/anvil/pkg/httputil"
)

// loginRequest accepts either credential shape: a master key for root
// sessions, or username and password for user sessions.
type loginRequest struct {
	MasterKey string `json:"masterKey"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	IsRoot    bool      `json:"isRoot"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}

	if req.MasterKey != "" {
		if !auth.CheckMasterKey(s.cfg.Security.MasterKey(), req.MasterKey) {
			httputil.WriteAppError(w, s.log, apperr.Unauthenticated("invalid master key"))
			return
		}
		token, expiresAt, err := s.cfg.Tokens.IssueRoot()
		if err != nil {
			httputil.WriteAppError(w, s.log, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt, IsRoot: true})
		return
	}

	if req.Username == "" || req.Password == "" {
		httputil.WriteAppError(w, s.log, apperr.BadRequest("username and password are required"))
		return
	}

	user, err := s.cfg.Pipeline.FindUserByUsername(r.Context(), req.Username)
	hash, _ := user["password"].(string)
	if err != nil || !auth.CheckPassword(hash, req.Password) {
		// One message for both failure modes; no username probing.
		httputil.WriteAppError(w, s.log, apperr.Unauthenticated("invalid credentials"))
		return
	}

	token, expiresAt, err := s.cfg.Tokens.IssueUser(user.ID(), req.Username)
	if err != nil {
		httputil.WriteAppError(w, s.log, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if !p.Authenticated() {
		httputil.WriteAppError(w, s.log, apperr.Unauthenticated("authentication required"))
		return
	}
	if p.IsRoot {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"isRoot": true})
		return
	}

	user := p.User
	if user == nil {
		loaded, err := s.cfg.Pipeline.LoadUser(r.Context(), p.UserID)
		if err != nil {
			httputil.WriteAppError(w, s.log, apperr.Unauthenticated("account no longer exists"))
			return
		}
		user = loaded
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"isRoot": false, "user": user})
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFrom(r.Context())
	if !p.Authenticated() {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{"valid": false})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"isRoot":   p.IsRoot,
		"userId":   p.UserID,
		"username": p.Username,
	})
}
