package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Session is what `stardustctl login` remembers between runs.
type Session struct {
	APIBaseURL    string `json:"api_base_url,omitempty"`
	AdminPassword string `json:"admin_password,omitempty"`
	CronSecret    string `json:"cron_secret,omitempty"`
}

func (s Session) Credentials() Credentials {
	return Credentials{AdminPassword: s.AdminPassword, CronSecret: s.CronSecret}
}

// Merge fills empty fields of s from fallback.
func (s Session) Merge(fallback Session) Session {
	if strings.TrimSpace(s.APIBaseURL) == "" {
		s.APIBaseURL = fallback.APIBaseURL
	}
	if s.AdminPassword == "" {
		s.AdminPassword = fallback.AdminPassword
	}
	if s.CronSecret == "" {
		s.CronSecret = fallback.CronSecret
	}
	return s
}

// BaseDir is ~/.stardust, created on first use.
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stardust")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func sessionPath() (string, error) {
	dir, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func SaveSession(s Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

func LoadSession() (Session, error) {
	path, err := sessionPath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("read session: %w", err)
	}
	return s, nil
}

func ClearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
