package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "collaboard",
		Audience:      "collaboard-api",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(nil)

	token, expiresIn, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("unexpected subject: %s", subject)
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueToken(""); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestIssuer(nil)
	token, _, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("different-secret"),
		Issuer:        "collaboard",
		Audience:      "collaboard-api",
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	issuer := newTestIssuer(func() time.Time { return past })
	token, _, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	fresh := newTestIssuer(nil)
	if _, err := fresh.ValidateToken(token); err == nil {
		t.Fatalf("expected expiry rejection")
	}
}

func TestValidateTokenRejectsForeignAlgorithm(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:  "user-42",
		Issuer:   "collaboard",
		Audience: []string{"collaboard-api"},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	issuer := newTestIssuer(nil)
	_, err = issuer.ValidateToken(token)
	if err == nil || !strings.Contains(err.Error(), "unexpected signing algorithm") {
		t.Fatalf("expected algorithm rejection, got %v", err)
	}
}
