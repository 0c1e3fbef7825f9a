package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"stardust/internal/auth"
	"stardust/internal/game"
)

const maxInboundBytes = 1 << 20

type inboundMessage struct {
	From     string `json:"From"`
	FromFull struct {
		Email string `json:"Email"`
	} `json:"FromFull"`
	TextBody          string `json:"TextBody"`
	StrippedTextReply string `json:"StrippedTextReply"`
}

func (m inboundMessage) reply() game.InboundReply {
	from := m.From
	if strings.TrimSpace(m.FromFull.Email) != "" {
		from = m.FromFull.Email
	}
	return game.InboundReply{
		From:              from,
		TextBody:          m.TextBody,
		StrippedTextReply: m.StrippedTextReply,
	}
}

var outcomeNotes = map[game.ReplyOutcome]string{
	game.OutcomeUnknownSender: "unknown sender",
	game.OutcomeNoProgress:    "no active mission",
	game.OutcomeDuplicate:     "already responded",
}

// handleInbound acknowledges every authenticated, well-formed webhook with 200 so the
// provider does not retry; the note says what happened.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !auth.SecretMatches(s.cfg.InboundSecret, r.URL.Query().Get("secret")) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := inboundSchema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid inbound payload: "+err.Error())
		return
	}
	var in inboundMessage
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.game.HandleReply(r.Context(), in.reply())
	if err != nil {
		s.log.Error("inbound reply not applied", "err", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "note": "reply not applied"})
		return
	}
	out := map[string]any{"ok": true}
	if note, ok := outcomeNotes[res.Outcome]; ok {
		out["note"] = note
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMission(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PlayerID      string `json:"player_id"`
		MissionNumber int    `json:"mission_number"`
		Secret        string `json:"secret"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.cronAuthorized(r) && !auth.SecretMatches(s.cfg.CronSecret, in.Secret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.dispatch(w, r, in.PlayerID, in.MissionNumber)
}

func (s *Server) handleTriggerMission(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PlayerID      string `json:"player_id"`
		MissionNumber int    `json:"mission_number"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, in.PlayerID, in.MissionNumber)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, playerID string, missionNumber int) {
	playerID = strings.TrimSpace(playerID)
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}
	res, err := s.game.Dispatch(r.Context(), playerID, missionNumber)
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProcessMissions(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := s.game.Sweep(r.Context(), 0)
	if err != nil {
		if res.Results == nil {
			writeDomainError(w, err)
			return
		}
		// Interrupted mid-batch: report what was sent.
		s.log.Warn("sweep interrupted", "processed", res.Processed, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminPlayers(w http.ResponseWriter, r *http.Request) {
	rows, err := s.game.ListPlayers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": rows})
}
