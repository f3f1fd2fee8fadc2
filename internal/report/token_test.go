package report

import (
	"strings"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("secret", time.Minute)

	token, err := s.Sign("run-abc")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	runID, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if runID != "run-abc" {
		t.Errorf("run id = %q, want run-abc", runID)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := NewSigner("secret", -time.Minute)

	token, _ := s.Sign("run-abc")
	if _, err := s.Verify(token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _ := NewSigner("secret-a", time.Minute).Sign("run-abc")

	if _, err := NewSigner("secret-b", time.Minute).Verify(token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestVerifyRejectsTampered(t *testing.T) {
	s := NewSigner("secret", time.Minute)
	token, _ := s.Sign("run-abc")

	parts := strings.Split(token, ".")
	tampered := parts[0] + ".x" + parts[1] + "." + parts[2]
	if _, err := s.Verify(tampered); err == nil {
		t.Error("expected error for tampered token")
	}
}
