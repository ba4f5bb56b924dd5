package auth

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCredentials(t *testing.T) {
	creds, err := LoadCredentials("user", "secret", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Username != "user" {
		t.Errorf("Username = %q, want %q", creds.Username, "user")
	}
	if creds.Password != "secret" {
		t.Errorf("Password = %q, want %q", creds.Password, "secret")
	}
}

func TestLoadCredentials_PasswordFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "password")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0600); err != nil {
		t.Fatalf("write password file: %v", err)
	}

	creds, err := LoadCredentials("user", "", path)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Password != "from-file" {
		t.Errorf("Password = %q, want %q", creds.Password, "from-file")
	}
}

func TestLoadCredentials_Errors(t *testing.T) {
	emptyFile := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(emptyFile, []byte("\n"), 0600); err != nil {
		t.Fatalf("write empty file: %v", err)
	}

	tests := []struct {
		name         string
		username     string
		password     string
		passwordFile string
		wantErr      string
	}{
		{"missing username", "", "secret", "", "username is required"},
		{"missing password", "user", "", "", "password or password file is required"},
		{"missing file", "user", "", "/nonexistent/password", "read password file"},
		{"empty file", "user", "", emptyFile, "password file is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredentials(tt.username, tt.password, tt.passwordFile)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCredentials_Token(t *testing.T) {
	creds := &Credentials{Username: "fake-api-username", Password: "fake-api-password"}

	decoded, err := base64.StdEncoding.DecodeString(creds.Token())
	if err != nil {
		t.Fatalf("token is not valid base64: %v", err)
	}
	if string(decoded) != "fake-api-username:fake-api-password" {
		t.Errorf("decoded token = %q", decoded)
	}

	if got := creds.BasicAuthHeader(); got != "Basic "+creds.Token() {
		t.Errorf("BasicAuthHeader() = %q", got)
	}
}

func TestCredentials_StringRedacts(t *testing.T) {
	creds := &Credentials{Username: "user", Password: "secret"}
	if strings.Contains(creds.String(), "secret") {
		t.Errorf("String() leaked password: %q", creds.String())
	}
}
