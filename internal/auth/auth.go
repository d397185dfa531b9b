// Package auth maps control-API keys to the clients that hold them.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/straja-ai/darkscan/internal/config"
)

// Client identifies the holder of an API key without exposing the key.
type Client struct {
	ID string
}

// Auth holds mappings from API keys to clients. An Auth with no keys is open.
type Auth struct {
	apiKeyToClient map[string]Client
}

// New builds an Auth from raw keys. Blank keys are skipped; duplicates are
// rejected.
func New(keys []string) (*Auth, error) {
	m := make(map[string]Client, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := m[key]; exists {
			return nil, fmt.Errorf("api key %s... is listed twice", fingerprint(key)[:4])
		}
		m[key] = Client{ID: "key-" + fingerprint(key)[:8]}
	}
	return &Auth{apiKeyToClient: m}, nil
}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	return New(cfg.Server.APIKeys)
}

// Open reports whether no keys are configured.
func (a *Auth) Open() bool {
	return a == nil || len(a.apiKeyToClient) == 0
}

// Lookup returns the client for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil {
		return Client{}, false
	}
	c, ok := a.apiKeyToClient[apiKey]
	return c, ok
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
