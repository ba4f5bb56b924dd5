// Package auth holds the upstream provider credentials.
//
// The same username/password pair authenticates REST fallback requests
// (HTTP basic auth) and the streaming session handshake.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Credentials holds the upstream account used for both REST and streaming access.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials builds credentials from config values.
// When password is empty it is read from passwordFile (surrounding whitespace trimmed).
func LoadCredentials(username, password, passwordFile string) (*Credentials, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}

	if password == "" {
		if passwordFile == "" {
			return nil, errors.New("password or password file is required")
		}
		p, err := LoadPasswordFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("load password: %w", err)
		}
		password = p
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}

// LoadPasswordFile reads a secret from a file, such as a mounted container secret.
func LoadPasswordFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read password file: %w", err)
	}

	password := strings.TrimSpace(string(data))
	if password == "" {
		return "", errors.New("password file is empty")
	}
	return password, nil
}

// Token returns the base64 "username:password" token carried by the handshake frame.
func (c *Credentials) Token() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// BasicAuthHeader returns the Authorization header value for REST requests.
func (c *Credentials) BasicAuthHeader() string {
	return "Basic " + c.Token()
}

// String redacts the password so credentials are safe to log.
func (c *Credentials) String() string {
	return c.Username + ":***"
}
