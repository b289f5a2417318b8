package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Context is the host's saved working state, so commands don't need the
// session flag on every invocation.
type Context struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

func baseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".spk")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func contextPath() (string, error) {
	dir, err := baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "context.json"), nil
}

func SaveContext(c Context) error {
	path, err := contextPath()
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return err
	}
	return nil
}

func LoadContext() (Context, error) {
	path, err := contextPath()
	if err != nil {
		return Context{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Context{}, err
	}
	var c Context
	if err := json.Unmarshal(body, &c); err != nil {
		return Context{}, err
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return Context{}, fmt.Errorf("no session selected, run `spk session use <id>`")
	}
	return c, nil
}

func ClearContext() error {
	path, err := contextPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
