package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignAndVerifyTokenRoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := SignToken("secret", TokenPayload{
		V: 1, Role: "human", ClientID: "client-1", IAT: now.Unix(), EXP: now.Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := VerifyToken("secret", tok, "human", "client-1", now)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if p.ClientID != "client-1" {
		t.Fatalf("expected clientId client-1, got %s", p.ClientID)
	}
}

func TestVerifyTokenRejectsBadSignature(t *testing.T) {
	now := time.Now()
	tok, _ := SignToken("secret", TokenPayload{V: 1, Role: "human", ClientID: "c", EXP: now.Add(time.Minute).Unix()})
	if _, err := VerifyToken("wrong-secret", tok, "human", "c", now); err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	now := time.Now()
	tok, _ := SignToken("secret", TokenPayload{V: 1, Role: "human", ClientID: "c", EXP: now.Add(-time.Minute).Unix()})
	if _, err := VerifyToken("secret", tok, "human", "c", now); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyTokenRejectsClientIDMismatch(t *testing.T) {
	now := time.Now()
	tok, _ := SignToken("secret", TokenPayload{V: 1, Role: "human", ClientID: "c1", EXP: now.Add(time.Minute).Unix()})
	if _, err := VerifyToken("secret", tok, "human", "c2", now); err == nil {
		t.Fatalf("expected clientId claim mismatch to be rejected")
	}
}

func TestVerifyTokenRejectsRoleMismatch(t *testing.T) {
	now := time.Now()
	tok, _ := SignToken("secret", TokenPayload{V: 1, Role: "human", ClientID: "c1", EXP: now.Add(time.Minute).Unix()})
	if _, err := VerifyToken("secret", tok, "agent", "c1", now); err == nil {
		t.Fatalf("expected role mismatch to be rejected")
	}
}

func TestVerifyTokenRejectsMalformed(t *testing.T) {
	if _, err := VerifyToken("secret", "not-a-token", "human", "c1", time.Now()); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}

func TestSanitizeClientID(t *testing.T) {
	cases := map[string]string{
		"abc-123_XYZ": "abc-123_XYZ",
		"a b/c!d":     "a_b_c_d",
		"":            "",
	}
	for in, want := range cases {
		if got := sanitizeClientID(in); got != want {
			t.Fatalf("sanitizeClientID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDerivePlayerID(t *testing.T) {
	if got := derivePlayerID("human", "client-1", ""); got != "u_client-1" {
		t.Fatalf("expected u_client-1, got %s", got)
	}
	if got := derivePlayerID("agent", "", "agent-7"); got != "agent-7" {
		t.Fatalf("expected agent-7, got %s", got)
	}
}

func TestCookieAuthClientValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"displayName":"Rae","walletId":"w1","profileId":"p1"}`))
	}))
	defer srv.Close()

	c := newCookieAuthClient(srv.URL)
	identity, err := c.Validate(&http.Cookie{Name: "session", Value: "good"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.DisplayName != "Rae" || identity.WalletID != "w1" {
		t.Fatalf("unexpected identity: %+v", identity)
	}

	if _, err := c.Validate(&http.Cookie{Name: "session", Value: "bad"}); err == nil {
		t.Fatalf("expected rejected cookie to error")
	}
	if _, err := c.Validate(nil); err == nil {
		t.Fatalf("expected nil cookie to error")
	}
}
