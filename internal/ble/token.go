package ble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Token is the persisted record needed to reconnect to a previously seen
// device without scanning.
type Token struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	ManufacturerID string `yaml:"manufacturer_id"`
}

// SaveToken writes the token to path, creating parent directories.
func SaveToken(path string, tok Token) error {
	if tok.ID == "" {
		return fmt.Errorf("ble: save token: empty device id")
	}
	data, err := yaml.Marshal(tok)
	if err != nil {
		return fmt.Errorf("ble: marshal token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ble: create token dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("ble: write token: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ble: write token: %w", err)
	}
	return nil
}

// LoadToken reads a token from path. ok is false when no token is stored.
func LoadToken(path string) (tok Token, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("ble: read token: %w", err)
	}
	if err := yaml.Unmarshal(data, &tok); err != nil {
		return Token{}, false, fmt.Errorf("ble: parse token: %w", err)
	}
	if tok.ID == "" {
		return Token{}, false, fmt.Errorf("ble: parse token: missing id")
	}
	return tok, true, nil
}

// RemoveToken deletes a stored token. Removing a missing token is not an
// error.
func RemoveToken(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ble: remove token: %w", err)
	}
	return nil
}
