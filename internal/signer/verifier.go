package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Verifier holds the trusted-keys set used to verify inbound orders,
// generalized from checking a single server key into checking every
// trusted public key until one matches, so a key can be rotated in
// without a process restart dropping the old signer mid-flight.
type Verifier struct {
	mu   sync.RWMutex
	keys []ed25519.PublicKey
}

// NewVerifier constructs an empty Verifier; use LoadTrustedKeys or
// AddTrustedKey to populate it.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// LoadTrustedKeys reads a trusted-keys file: one hex-encoded Ed25519
// public key per line, blank lines and '#'-prefixed comments ignored.
func LoadTrustedKeys(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: read trusted keys %s: %w", path, err)
	}
	v := NewVerifier()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := v.AddTrustedKeyHex(line); err != nil {
			return nil, fmt.Errorf("signer: trusted key in %s: %w", path, err)
		}
	}
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("signer: trusted keys file %s contains no keys", path)
	}
	return v, nil
}

// AddTrustedKeyHex adds a hex-encoded public key to the trusted set.
func (v *Verifier) AddTrustedKeyHex(hexKey string) error {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("decode public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = append(v.keys, ed25519.PublicKey(raw))
	return nil
}

// Verify checks signature against every trusted public key until one
// matches; it fails closed (returns an error) if none match or no keys
// are configured.
func (v *Verifier) Verify(canonical, signature []byte) error {
	v.mu.RLock()
	keys := v.keys
	v.mu.RUnlock()

	if len(keys) == 0 {
		return fmt.Errorf("signer: no trusted keys configured")
	}
	for _, pk := range keys {
		if ed25519.Verify(pk, canonical, signature) {
			return nil
		}
	}
	return fmt.Errorf("signer: signature verification failed against all trusted keys")
}
