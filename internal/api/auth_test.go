package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseToken(t *testing.T) {
	valid, err := IssueToken(testSecret, "admin@jamaat.org", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, err := IssueToken(testSecret, "admin@jamaat.org", RoleAdmin, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", valid, false},
		{"expired", expired, true},
		{"missing expiry", noExpiry, true},
		{"other algorithm", hs512, true},
		{"garbage", "not.a.token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(testSecret, tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.Subject != "admin@jamaat.org" || claims.Role != RoleAdmin {
				t.Errorf("unexpected claims %+v", claims)
			}
		})
	}
}
