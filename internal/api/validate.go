package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// Languages accepted by the API for feed message translation
var Languages = []string{"fr", "es", "en", "nl", "de", "it", "pt", "cs"}

var ErrInvalidCredentials = errors.New("invalid credentials")

// ClientFactory builds a client for a username and password
type ClientFactory func(username, password string) Client

// CredentialValidator checks credentials with a live user lookup.
// Definitive answers are remembered in an LRU cache so repeated setup
// attempts with the same credentials do not hit the API again.
type CredentialValidator struct {
	newClient ClientFactory
	cache     *lru.Cache
}

func NewCredentialValidator(newClient ClientFactory, cacheSize int) (*CredentialValidator, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &CredentialValidator{newClient: newClient, cache: cache}, nil
}

// Validate returns nil when the API knows the user, ErrInvalidCredentials
// when it returns an empty result or rejects the credentials, and a
// wrapped error when the API could not be reached.
func (v *CredentialValidator) Validate(ctx context.Context, username, password string) error {
	key := credentialKey(username, password)
	if valid, ok := v.cache.Get(key); ok {
		if valid.(bool) {
			return nil
		}
		return ErrInvalidCredentials
	}

	client := v.newClient(username, password)
	info, err := client.UserInfo(ctx)
	closeErr := client.Close()

	switch {
	case errors.Is(err, ErrAuth):
		v.cache.Add(key, false)
		return ErrInvalidCredentials
	case err != nil:
		return fmt.Errorf("validating credentials: %w", err)
	case closeErr != nil:
		return fmt.Errorf("closing validation client: %w", closeErr)
	}

	valid := len(info) > 0
	v.cache.Add(key, valid)
	if !valid {
		return ErrInvalidCredentials
	}
	return nil
}

// ValidLanguage reports whether lang is one of Languages
func ValidLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

func credentialKey(username, password string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}
