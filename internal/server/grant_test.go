package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/crucible-live/crucible/internal/mission/domain"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func testGrant() JoinGrant {
	return JoinGrant{
		MissionID: "m-1",
		SessionID: "s-1",
		MemberID:  "p-1",
		Name:      "Red One",
		Role:      domain.RoleParticipant,
	}
}

func TestGrantRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	verifier, err := NewGrantVerifier("crucible-auth", "crucible-gateway", pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := SignJoinGrant(priv, "crucible-auth", "crucible-gateway", testGrant(), 5*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	grant, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify grant: %v", err)
	}
	if grant.MissionID != "m-1" || grant.SessionID != "s-1" || grant.MemberID != "p-1" {
		t.Fatalf("grant = %+v, want the signed identifiers", grant)
	}
	if grant.Role != domain.RoleParticipant {
		t.Fatalf("role = %q, want participant", grant.Role)
	}
	if grant.Name != "Red One" {
		t.Fatalf("name = %q, want Red One", grant.Name)
	}
}

func TestGrantRejectsExpired(t *testing.T) {
	pub, priv := testKeyPair(t)
	verifier, err := NewGrantVerifier("crucible-auth", "crucible-gateway", pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := SignJoinGrant(priv, "crucible-auth", "crucible-gateway", testGrant(), time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected an expiry error")
	}
}

func TestGrantRejectsWrongAudience(t *testing.T) {
	pub, priv := testKeyPair(t)
	verifier, err := NewGrantVerifier("crucible-auth", "crucible-gateway", pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := SignJoinGrant(priv, "crucible-auth", "someone-else", testGrant(), 5*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected an audience error")
	}
}

func TestGrantRejectsForeignKey(t *testing.T) {
	pub, _ := testKeyPair(t)
	_, otherPriv := testKeyPair(t)
	verifier, err := NewGrantVerifier("crucible-auth", "crucible-gateway", pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := SignJoinGrant(otherPriv, "crucible-auth", "crucible-gateway", testGrant(), 5*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected a signature error")
	}
}

func TestGrantRejectsUnknownRole(t *testing.T) {
	pub, priv := testKeyPair(t)
	verifier, err := NewGrantVerifier("crucible-auth", "crucible-gateway", pub)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	grant := testGrant()
	grant.Role = "saboteur"
	token, err := SignJoinGrant(priv, "crucible-auth", "crucible-gateway", grant, 5*time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected a role error")
	}
}

func TestParseGrantPublicKey(t *testing.T) {
	pub, _ := testKeyPair(t)

	parsed, err := ParseGrantPublicKey(base64.StdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("parse padded key: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatal("padded key should round-trip")
	}

	parsed, err = ParseGrantPublicKey(base64.RawStdEncoding.EncodeToString(pub))
	if err != nil {
		t.Fatalf("parse raw key: %v", err)
	}
	if !parsed.Equal(pub) {
		t.Fatal("raw key should round-trip")
	}

	if _, err := ParseGrantPublicKey("not-base64!"); err == nil {
		t.Fatal("expected a decode error")
	}
	if _, err := ParseGrantPublicKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected a length error")
	}
}
