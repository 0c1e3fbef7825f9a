package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"stardust/internal/game"
	"stardust/internal/syncq"
)

// Client talks to the operator side of the stardust API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// Retryable reports whether err is worth queueing for a later replay: transport
// failures and server-side errors, but never a rejected request.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

type Credentials struct {
	AdminPassword string
	CronSecret    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) ListPlayers(ctx context.Context, creds Credentials) ([]game.AdminPlayerRow, error) {
	var out struct {
		Players []game.AdminPlayerRow `json:"players"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/api/admin/players", adminHeaders(creds), nil, &out)
	return out.Players, err
}

func (c *Client) TriggerMission(ctx context.Context, creds Credentials, playerID string, missionNumber int) (game.DispatchResult, error) {
	var out game.DispatchResult
	err := c.jsonRequest(ctx, http.MethodPost, "/api/admin/trigger-mission", adminHeaders(creds), triggerBody(playerID, missionNumber), &out)
	return out, err
}

func (c *Client) ProcessMissions(ctx context.Context, creds Credentials) (game.SweepResult, error) {
	var out game.SweepResult
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.CronSecret)
	err := c.jsonRequest(ctx, http.MethodGet, "/api/cron/process-missions", h, nil, &out)
	return out, err
}

func (c *Client) Signup(ctx context.Context, email string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/api/play/signup", nil, map[string]any{"email": email}, nil)
}

// Replay sends a queued admin command again.
func (c *Client) Replay(ctx context.Context, creds Credentials, cmd syncq.Command) error {
	return c.jsonRequest(ctx, cmd.Method, cmd.Path, adminHeaders(creds), cmd.Body, nil)
}

// TriggerCommand is the queueable form of TriggerMission.
func TriggerCommand(id, playerID string, missionNumber int) syncq.Command {
	return syncq.Command{
		ID:     id,
		Method: http.MethodPost,
		Path:   "/api/admin/trigger-mission",
		Body:   triggerBody(playerID, missionNumber),
	}
}

func triggerBody(playerID string, missionNumber int) map[string]any {
	return map[string]any{
		"player_id":      playerID,
		"mission_number": missionNumber,
	}
}

func adminHeaders(creds Credentials) http.Header {
	h := http.Header{}
	h.Set("X-Admin-Password", creds.AdminPassword)
	return h
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, headers http.Header, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
