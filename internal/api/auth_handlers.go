package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/argus-siem/argus/internal/auth"
	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	token, user, err := s.auth.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"user": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
			"role":  user.Role,
		},
	})
}

// handleSignup is the open registration path. Accounts created here always
// start as analysts; elevation goes through /api/users/{id}/role.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	id, err := s.auth.RegisterUser(r.Context(), req.Email, req.Password, store.RoleAnalyst, nil)
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "signup failed")
	default:
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"id":    id,
			"email": req.Email,
			"role":  store.RoleAnalyst,
		})
	}
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateUser lets an admin provision accounts. Only an owner may mint
// another admin or owner.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Role == "" {
		req.Role = store.RoleAnalyst
	}
	if !auth.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	if req.Role != store.RoleAnalyst && claims.Role != store.RoleOwner {
		writeError(w, http.StatusForbidden, "only an owner can grant elevated roles")
		return
	}
	creator := claims.UserID
	id, err := s.auth.RegisterUser(r.Context(), req.Email, req.Password, req.Role, &creator)
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "user creation failed")
	default:
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	}
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req setRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !auth.ValidRole(req.Role) {
		writeError(w, http.StatusBadRequest, "unknown role")
		return
	}
	claims := claimsFrom(r)
	if userID == claims.UserID {
		// An owner demoting itself could leave the deployment ownerless.
		writeError(w, http.StatusBadRequest, "cannot change own role")
		return
	}
	if err := s.store.SetUserRole(r.Context(), userID, req.Role); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such user")
			return
		}
		writeError(w, http.StatusInternalServerError, "role change failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": req.Role})
}

func (s *Server) handleIssueInvitation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	token, err := s.auth.IssueInvitation(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invitation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"invitation_token": token})
}

type agentRegisterRequest struct {
	Invitation string `json:"invitation"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Invitation == "" || req.Hostname == "" {
		writeError(w, http.StatusBadRequest, "invitation and hostname are required")
		return
	}
	deviceID, agentToken, err := s.auth.RedeemInvitation(r.Context(), req.Invitation, req.Hostname, req.OS)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unknown invitation")
	case errors.Is(err, auth.ErrInvitationConsumed):
		writeError(w, http.StatusConflict, "invitation already used")
	case errors.Is(err, auth.ErrInvitationExpired):
		writeError(w, http.StatusGone, "invitation expired")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "registration failed")
	default:
		_ = s.bus.Publish(r.Context(), bus.NewEvent(bus.TypeAgentStatus, map[string]interface{}{
			"device_id": deviceID,
			"status":    store.DeviceOnline,
			"hostname":  req.Hostname,
		}))
		writeJSON(w, http.StatusOK, map[string]string{
			"device_id":   deviceID,
			"agent_token": agentToken,
		})
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != store.RoleDevice {
		writeError(w, http.StatusForbidden, "heartbeat requires a device token")
		return
	}
	device, err := s.store.GetDevice(r.Context(), claims.Subject)
	if err != nil || device.Disabled {
		writeError(w, http.StatusUnauthorized, "device not accepted")
		return
	}
	s.liveness.Touch(claims.Subject)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}
