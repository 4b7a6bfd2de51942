// Package auth resolves the credentials presented when dialing the chat
// backend.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/felipeag/deskchat/internal/transport"
)

// TokenEnv is consulted when no token file is configured.
const TokenEnv = "DESKCHAT_TOKEN"

// FileAuthenticator reads the bearer token from a file on every request, so
// a rotated token is picked up on the next reconnect attempt without a
// restart.
type FileAuthenticator struct {
	UserID    string
	Role      string
	TokenFile string
}

// Credentials loads the current token and pairs it with the agent identity.
func (a *FileAuthenticator) Credentials(_ context.Context) (transport.Credentials, error) {
	token, err := a.token()
	if err != nil {
		return transport.Credentials{}, err
	}
	if token == "" {
		return transport.Credentials{}, fmt.Errorf("no auth token: set %s or configure auth.token_file", TokenEnv)
	}
	return transport.Credentials{
		Token:  token,
		UserID: a.UserID,
		Role:   a.Role,
	}, nil
}

func (a *FileAuthenticator) token() (string, error) {
	if a.TokenFile == "" {
		return os.Getenv(TokenEnv), nil
	}
	data, err := os.ReadFile(a.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
