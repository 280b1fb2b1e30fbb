package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewJWTService("secret")
	token, err := svc.GenerateToken(7, "admin", "admin")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.UserID != 7 || claims.Username != "admin" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateTokenRejectsOtherSecret(t *testing.T) {
	token, err := NewJWTService("a").GenerateToken(1, "u", "viewer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("b").ValidateToken(token); err == nil {
		t.Fatal("ValidateToken() error = nil, want signature error")
	}
}

func TestValidateTokenRejectsNoneAlg(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1, Role: "admin"})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewJWTService("a").ValidateToken(s); err == nil {
		t.Fatal("ValidateToken() accepted alg=none")
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !CheckPassword("hunter2", hash) {
		t.Fatal("CheckPassword(correct) = false")
	}
	if CheckPassword("hunter3", hash) {
		t.Fatal("CheckPassword(wrong) = true")
	}
}
