package gemini

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// GeminiTokenStorage stores Google OAuth tokens and account metadata for a
// single credential file under the auth directory.
type GeminiTokenStorage struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Timestamp    int64  `json:"timestamp"`
	Enable       bool   `json:"enable"`
	ProjectID    string `json:"project_id"`
	SessionID    string `json:"session_id"`
	Email        string `json:"email"`
	Type         string `json:"type"`
}

// Expiry returns the absolute expiry derived from the stored issue timestamp
// (unix milliseconds) plus the token lifetime.
func (g *GeminiTokenStorage) Expiry() time.Time {
	if g.Timestamp == 0 || g.ExpiresIn == 0 {
		return time.Time{}
	}
	return time.UnixMilli(g.Timestamp).Add(time.Duration(g.ExpiresIn) * time.Second)
}

// SaveTokenToFile persists the token data to the provided path.
func (g *GeminiTokenStorage) SaveTokenToFile(authFilePath string) error {
	log.Debugf("saving gemini credentials to %s", authFilePath)
	g.Type = "gemini"

	if err := os.MkdirAll(filepath.Dir(authFilePath), 0o700); err != nil {
		return fmt.Errorf("failed to create auth directory: %w", err)
	}

	f, err := os.Create(authFilePath)
	if err != nil {
		return fmt.Errorf("failed to create auth file: %w", err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")

	if err = encoder.Encode(g); err != nil {
		return fmt.Errorf("failed to encode gemini token: %w", err)
	}

	return nil
}

// LoadTokenFromFile reads a single credential file.
func LoadTokenFromFile(authFilePath string) (*GeminiTokenStorage, error) {
	data, err := os.ReadFile(authFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth file: %w", err)
	}
	var ts GeminiTokenStorage
	if err = json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("failed to decode auth file %s: %w", authFilePath, err)
	}
	return &ts, nil
}

// LoadTokensFromDir reads every gemini credential file in dir. Files that
// fail to parse or carry a different type are skipped with a warning.
func LoadTokensFromDir(dir string) (map[string]*GeminiTokenStorage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth directory: %w", err)
	}
	tokens := make(map[string]*GeminiTokenStorage)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		ts, errLoad := LoadTokenFromFile(path)
		if errLoad != nil {
			log.Warnf("skipping auth file %s: %v", entry.Name(), errLoad)
			continue
		}
		if ts.Type != "" && ts.Type != "gemini" {
			continue
		}
		tokens[path] = ts
	}
	return tokens, nil
}
