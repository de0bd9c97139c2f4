package jwt

import (
	"testing"
	"time"
)

// FuzzParseAccess feeds arbitrary strings to the parser. Goal: no panics,
// clean errors for garbage input.
func FuzzParseAccess(f *testing.F) {
	m, err := NewManager(hs256Config())
	if err != nil {
		f.Fatalf("NewManager error: %v", err)
	}

	f.Add("")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0..")

	if token, err := m.CreateAccess(sampleInput()); err == nil {
		f.Add(token)
	}

	f.Fuzz(func(t *testing.T, input string) {
		claims, err := m.ParseAccess(input)
		if err != nil {
			return
		}
		if claims.ExpiresAt == nil {
			t.Error("accepted token without expiry")
			return
		}
		if time.Now().After(claims.ExpiresAt.Time) {
			t.Error("accepted expired token")
		}
	})
}
