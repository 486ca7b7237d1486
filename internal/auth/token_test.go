package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("unit-test-secret")

func testClaims() Claims {
	return Claims{
		Sub:  "usr_1",
		Name: "Alice",
		Role: "member",
		JTI:  "jti_1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Sub != "usr_1" || claims.Name != "Alice" || claims.Role != "member" || claims.JTI != "jti_1" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Iat == 0 {
		t.Fatal("iat not defaulted at issue time")
	}
}

func TestTamperedPayloadRejected(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	payload, signature, _ := strings.Cut(token, ".")
	tampered := "x" + payload + "." + signature
	if _, err := ParseToken(testSecret, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tampered payload: got %v, want ErrInvalidToken", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	token, err := IssueToken(testSecret, testClaims())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: got %v, want ErrInvalidToken", err)
	}
}

func TestExpiredToken(t *testing.T) {
	claims := testClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expired token: got %v, want ErrExpiredToken", err)
	}
}

func TestMalformedTokensRejected(t *testing.T) {
	for _, token := range []string{"", "nodot", "not-base64!!.sig", "e30.sig"} {
		if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseToken(%q): got %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestHashTokenIsStableAndOpaque(t *testing.T) {
	hash := HashToken("rft_abc.def")
	if hash != HashToken("rft_abc.def") {
		t.Fatal("hash must be deterministic")
	}
	if len(hash) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(hash))
	}
	if strings.Contains(hash, "rft_abc") {
		t.Fatal("hash must not embed the raw token")
	}
}
