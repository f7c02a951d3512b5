// internal/llmclient/credentials.go
package llmclient

import (
	"context"
	"strings"
)

// CredentialSource resolves the API key for the decision model.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredential is a key taken from configuration.
type StaticCredential string

// APIKey returns the key, or ErrMissingCredential when it is blank.
func (s StaticCredential) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(s))
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) APIKey(ctx context.Context) (string, error) { return f(ctx) }
