package auth

import (
	"context"
	"encoding/base64"
	"testing"
	"time"
)

func createService(t *testing.T) (*AuthService, *time.Time) {
	t.Helper()

	cfg := Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
		TokenExpiry: time.Hour,
	}

	svc, err := NewAuthService(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	// Mock time
	currentTime := time.Unix(1700000000, 0)
	svc.now = func() time.Time {
		return currentTime
	}

	return svc, &currentTime
}

func TestAuthService(t *testing.T) {
	t.Run("MintAndVerify", func(t *testing.T) {
		svc, _ := createService(t)

		token, expiry, err := svc.Mint("user1")
		if err != nil {
			t.Fatalf("Mint failed: %v", err)
		}
		if expiry != time.Unix(1700000000, 0).Add(time.Hour).Unix() {
			t.Errorf("unexpected expiry %d", expiry)
		}

		userID, err := svc.GetUserID(token)
		if err != nil {
			t.Fatalf("GetUserID failed: %v", err)
		}
		if userID != "user1" {
			t.Errorf("Expected user1, got %s", userID)
		}

		// Second lookup hits the cache.
		userID, err = svc.GetUserID(token)
		if err != nil || userID != "user1" {
			t.Errorf("Cached lookup failed: %s, %v", userID, err)
		}
	})

	t.Run("EmptyToken", func(t *testing.T) {
		svc, _ := createService(t)
		if _, err := svc.GetUserID(""); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("GarbageToken", func(t *testing.T) {
		svc, _ := createService(t)
		if _, err := svc.GetUserID("not.a.jwt"); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		svc, now := createService(t)

		token, _, err := svc.Mint("user1")
		if err != nil {
			t.Fatalf("Mint failed: %v", err)
		}

		*now = now.Add(2 * time.Hour)

		if _, err := svc.GetUserID(token); err != ErrExpiredToken {
			t.Errorf("Expected ErrExpiredToken, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		svc, _ := createService(t)
		other, err := NewAuthService(context.Background(), Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("other-secret")),
			TokenExpiry: time.Hour,
		})
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}
		other.now = svc.now

		token, _, err := other.Mint("user1")
		if err != nil {
			t.Fatalf("Mint failed: %v", err)
		}
		if _, err := svc.GetUserID(token); err != ErrInvalidToken {
			t.Errorf("Expected ErrInvalidToken for foreign token, got %v", err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty secret")
	}

	cfg = Config{Secret: "not base64!!"}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid base64")
	}

	cfg = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if cfg.TokenExpiry != DefaultTokenExpiry {
		t.Errorf("Expected default expiry, got %v", cfg.TokenExpiry)
	}
}
