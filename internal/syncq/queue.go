// Package syncq is the CLI's outbox: admin commands that could not reach the API are
// kept on disk and replayed later with `stardustctl outbox replay`.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

type Command struct {
	ID       string         `json:"id"`
	Method   string         `json:"method"`
	Path     string         `json:"path"`
	Body     map[string]any `json:"body,omitempty"`
	QueuedAt time.Time      `json:"queued_at"`
	LastErr  string         `json:"last_error,omitempty"`
}

func queuePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stardust")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox.json"), nil
}

func Load() ([]Command, error) {
	path, err := queuePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(commands []Command) error {
	path, err := queuePath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// Push appends cmd unless a command with the same ID is already queued.
func Push(cmd Command) error {
	commands, err := Load()
	if err != nil {
		return err
	}
	for _, c := range commands {
		if c.ID == cmd.ID {
			return nil
		}
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	commands = append(commands, cmd)
	return Save(commands)
}

type ReplayResult struct {
	Replayed  int
	Remaining []Command
	Dropped   []Command
}

// Replay runs send for every queued command in order. A failed command stays queued,
// with its last error, when keep(err) is true; otherwise it is dropped.
func Replay(send func(Command) error, keep func(error) bool) (ReplayResult, error) {
	commands, err := Load()
	if err != nil {
		return ReplayResult{}, err
	}
	res := ReplayResult{Remaining: make([]Command, 0, len(commands))}
	for _, c := range commands {
		sendErr := send(c)
		if sendErr == nil {
			res.Replayed++
			continue
		}
		c.LastErr = sendErr.Error()
		if keep(sendErr) {
			res.Remaining = append(res.Remaining, c)
		} else {
			res.Dropped = append(res.Dropped, c)
		}
	}
	return res, Save(res.Remaining)
}
