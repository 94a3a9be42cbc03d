package signer

import (
	"encoding/hex"
	"path/filepath"
	"testing"
)

func TestLoadOrCreatePersistsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	s1, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (create): %v", err)
	}
	s2, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate (load): %v", err)
	}
	if !s1.PublicKey().Equal(s2.PublicKey()) {
		t.Fatal("expected the same key to be reloaded from disk")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	s, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	payload := map[string]interface{}{"order_id": "o-1", "nonce": "n-1"}
	canonical, sig, err := s.SignCanonical(payload)
	if err != nil {
		t.Fatalf("SignCanonical: %v", err)
	}

	v := NewVerifier()
	if err := v.AddTrustedKeyHex(hex.EncodeToString(s.PublicKey())); err != nil {
		t.Fatalf("AddTrustedKeyHex: %v", err)
	}
	if err := v.Verify(canonical, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailsClosedOnTamperedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	s, _ := LoadOrCreate(path)

	canonical, sig, _ := s.SignCanonical(map[string]interface{}{"a": 1})
	v := NewVerifier()
	_ = v.AddTrustedKeyHex(hex.EncodeToString(s.PublicKey()))

	tampered := append([]byte(nil), canonical...)
	tampered[0] = '['
	if err := v.Verify(tampered, sig); err == nil {
		t.Fatal("expected verification to fail on tampered payload")
	}
}

func TestVerifyFailsClosedWithNoTrustedKeys(t *testing.T) {
	v := NewVerifier()
	if err := v.Verify([]byte("{}"), []byte("sig")); err == nil {
		t.Fatal("expected verification to fail closed with no trusted keys")
	}
}

func TestCanonicalizeSortsKeysAndOmitsWhitespace(t *testing.T) {
	out, err := Canonicalize(map[string]interface{}{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if string(out) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalizeDeterministic(t *testing.T) {
	v := map[string]interface{}{"z": 1, "a": []interface{}{1, 2, 3}, "m": map[string]interface{}{"y": 1, "x": 2}}
	a, err1 := Canonicalize(v)
	b, err2 := Canonicalize(v)
	if err1 != nil || err2 != nil {
		t.Fatalf("Canonicalize errors: %v %v", err1, err2)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical form not deterministic: %s vs %s", a, b)
	}
}

func TestCanonicalizeExcludingRemovesField(t *testing.T) {
	v := map[string]interface{}{"a": 1, "signature": "deadbeef"}
	out, err := CanonicalizeExcluding(v, "signature")
	if err != nil {
		t.Fatalf("CanonicalizeExcluding: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("expected signature field excluded, got %s", out)
	}
}
