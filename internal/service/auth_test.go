package service

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	raw, err := IssueToken(secret, OperatorInfo{UserID: "7", Name: "ops", Role: "admin"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	op, err := ParseToken(secret, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if op.UserID != "7" || op.Name != "ops" || op.Role != "admin" {
		t.Errorf("unexpected operator %+v", op)
	}

	if _, err := ParseToken([]byte("other"), raw); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for wrong secret, got %v", err)
	}

	expired, _ := IssueToken(secret, OperatorInfo{Name: "ops"}, -time.Minute)
	if _, err := ParseToken(secret, expired); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for expired token, got %v", err)
	}
}
