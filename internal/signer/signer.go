package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
)

// Signer holds the agent's private signing key, loaded once at startup
// into protected process memory and never logged, emitted in errors, or
// transmitted.
type Signer struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// LoadOrCreate loads an Ed25519 private key from path (the bare 32-byte
// seed, owner-only permissions), generating and persisting a new one if
// absent.
func LoadOrCreate(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("signer: key file %s holds %d bytes, want a %d-byte seed", path, len(data), ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &Signer{private: priv, public: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signer: read key %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("signer: create key directory: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("signer: write key: %w", err)
	}
	return &Signer{private: priv, public: pub}, nil
}

// PublicKey returns the signer's public key, safe to transmit/log.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.public
}

// Sign returns the raw detached Ed25519 signature over data.
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.private, data)
}

// SignCanonical canonicalizes v and returns its canonical bytes plus the
// detached signature over them.
func (s *Signer) SignCanonical(v interface{}) (canonical, signature []byte, err error) {
	canonical, err = Canonicalize(v)
	if err != nil {
		return nil, nil, err
	}
	return canonical, s.Sign(canonical), nil
}

// ContentHash returns the SHA-256 content hash of data, used for the
// evidence hash chain (each bundle embeds the hash of its predecessor).
func ContentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ZeroHash is the all-zero hash used as previous_bundle_hash for the
// first bundle in a site's chain.
var ZeroHash [32]byte
