package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"
)

func hs256Config() Config {
	return Config{
		AccessTTL:     15 * time.Minute,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("0123456789abcdef0123456789abcdef"),
		Issuer:        "gatekey-test",
	}
}

func sampleInput() AccessTokenInput {
	return AccessTokenInput{
		UserID:       "3b1f7c9a-0000-4000-8000-000000000001",
		DefaultRole:  "user",
		AllowedRoles: []string{"user", "me"},
	}
}

func TestCreateAndParseHS256(t *testing.T) {
	m, err := NewManager(hs256Config())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	token, err := m.CreateAccess(sampleInput())
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}

	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess error: %v", err)
	}

	if claims.Hasura.UserID != "3b1f7c9a-0000-4000-8000-000000000001" {
		t.Errorf("unexpected user id claim: %q", claims.Hasura.UserID)
	}
	if claims.Subject != claims.Hasura.UserID {
		t.Errorf("subject %q does not match user id claim", claims.Subject)
	}
	if claims.Hasura.DefaultRole != "user" {
		t.Errorf("unexpected default role: %q", claims.Hasura.DefaultRole)
	}
	if len(claims.Hasura.AllowedRoles) != 2 {
		t.Errorf("unexpected allowed roles: %v", claims.Hasura.AllowedRoles)
	}
	if claims.Hasura.IsAnonymous != "false" {
		t.Errorf("expected is-anonymous \"false\", got %q", claims.Hasura.IsAnonymous)
	}
	if claims.IsElevated() {
		t.Error("token without elevation must not report elevated")
	}
}

func TestElevatedClaim(t *testing.T) {
	m, err := NewManager(hs256Config())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	in := sampleInput()
	in.Elevated = true

	token, err := m.CreateAccess(in)
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}

	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess error: %v", err)
	}
	if !claims.IsElevated() {
		t.Fatal("expected elevated claim to round-trip")
	}
	if claims.Hasura.Elevated != in.UserID {
		t.Errorf("elevated claim should carry the user id, got %q", claims.Hasura.Elevated)
	}
}

func TestAnonymousClaim(t *testing.T) {
	m, err := NewManager(hs256Config())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	in := sampleInput()
	in.IsAnonymous = true

	token, err := m.CreateAccess(in)
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}
	claims, err := m.ParseAccess(token)
	if err != nil {
		t.Fatalf("ParseAccess error: %v", err)
	}
	if claims.Hasura.IsAnonymous != "true" {
		t.Errorf("expected is-anonymous \"true\", got %q", claims.Hasura.IsAnonymous)
	}
}

func TestEd25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
	})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	token, err := m.CreateAccess(sampleInput())
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}
	if _, err := m.ParseAccess(token); err != nil {
		t.Fatalf("ParseAccess error: %v", err)
	}
}

func TestVerifyKeysRequireKnownKid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	signer, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		KeyID:         "2024-01",
		VerifyKeys:    map[string][]byte{"2024-01": pub},
	})
	if err != nil {
		t.Fatalf("NewManager(signer) error: %v", err)
	}

	token, err := signer.CreateAccess(sampleInput())
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}
	if _, err := signer.ParseAccess(token); err != nil {
		t.Fatalf("ParseAccess with known kid error: %v", err)
	}

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}
	verifier, err := NewManager(Config{
		AccessTTL:     time.Minute,
		SigningMethod: MethodEd25519,
		PublicKey:     otherPub,
		VerifyKeys:    map[string][]byte{"2024-02": otherPub},
	})
	if err != nil {
		t.Fatalf("NewManager(verifier) error: %v", err)
	}
	if _, err := verifier.ParseAccess(token); err == nil {
		t.Fatal("expected unknown kid to be rejected")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	cfg := hs256Config()
	cfg.AccessTTL = time.Nanosecond
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	token, err := m.CreateAccess(sampleInput())
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := m.ParseAccess(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	m, err := NewManager(hs256Config())
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	token, err := m.CreateAccess(sampleInput())
	if err != nil {
		t.Fatalf("CreateAccess error: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := m.ParseAccess(tampered); err == nil {
		t.Fatal("expected tampered signature to be rejected")
	}
}
