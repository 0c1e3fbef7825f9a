package api

import (
	"encoding/json"
	"net/http"

	"stardust/internal/game"
)

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.game.Signup(r.Context(), in.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePlayerCreate(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	player, created, err := s.game.EnsurePlayer(r.Context(), user.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, map[string]any{"player": player, "message": "Player already exists"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"player": player, "message": "Player created"})
}

func (s *Server) handlePlayerState(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	out, err := s.game.PlayerState(r.Context(), user.Email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEarn(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Amount   json.Number    `json:"amount"`
		Reason   string         `json:"reason"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := in.Amount.Int64()
	if err != nil {
		writeDomainError(w, game.ErrInvalidAmount)
		return
	}
	out, err := s.game.Earn(r.Context(), game.EarnInput{
		Email:    user.Email,
		Amount:   amount,
		Reason:   in.Reason,
		Metadata: in.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		SecretCode string `json:"secret_code"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.game.Spend(r.Context(), user.Email, in.SecretCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReflection(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		ReflectionText string `json:"reflection_text"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := s.game.SaveReflection(r.Context(), user.Email, in.ReflectionText)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reflection": ref})
}
