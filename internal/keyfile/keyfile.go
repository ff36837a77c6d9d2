// Package keyfile loads the broker's shared-secret key file and a
// gateway's broker credentials file, both TOML documents (§6 "Persisted
// state").
package keyfile

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Keys holds the `[keys]` section of the key file: a symmetric secret used
// to HMAC-sign/verify gateway auth tokens, and a private value reserved for
// future asymmetric schemes (kept for wire compatibility, unused by the
// JWT-HMAC auth path).
type Keys struct {
	Secret  string `toml:"secret"`
	Private string `toml:"private"`
}

// KeyFile is the top-level shape of the broker key file.
type KeyFile struct {
	Keys Keys `toml:"keys"`
}

// Load decodes a key file from path.
func Load(path string) (*KeyFile, error) {
	var kf KeyFile
	if _, err := toml.DecodeFile(path, &kf); err != nil {
		return nil, fmt.Errorf("keyfile: %s: %w", path, err)
	}
	if kf.Keys.Secret == "" {
		return nil, fmt.Errorf("keyfile: %s: [keys] secret is required", path)
	}
	return &kf, nil
}

// Credentials holds the `[credentials]` section of a gateway's broker
// credentials file.
type Credentials struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// CredentialsFile is the top-level shape of the credentials file.
type CredentialsFile struct {
	Credentials Credentials `toml:"credentials"`
}

// LoadCredentials decodes a credentials file from path.
func LoadCredentials(path string) (*CredentialsFile, error) {
	var cf CredentialsFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return nil, fmt.Errorf("keyfile: %s: %w", path, err)
	}
	return &cf, nil
}
