// Package gateway implements the session gateway: websocket session
// upgrade and authentication, message parse/dispatch, and the full HTTP
// surface, serving N concurrent sessions over newline-delimited JSON with
// per-session serial dispatch.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenPayload is the signed-token claim set: a
// base64url(payload).base64url(hmacSha256(secret, payload)) token.
type TokenPayload struct {
	V        int    `json:"v"`
	Role     string `json:"role"`
	ClientID string `json:"clientId,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	WalletID string `json:"walletId,omitempty"`
	IAT      int64  `json:"iat"`
	EXP      int64  `json:"exp"`
}

// SignToken produces a wsAuth token for the given payload and secret. Used
// by tests and by any trusted issuer colocated with the gateway; the
// gateway itself only ever verifies.
func SignToken(secret string, payload TokenPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("gateway: marshal token payload: %w", err)
	}
	encPayload := base64.RawURLEncoding.EncodeToString(body)
	sig := signBytes(secret, encPayload)
	return encPayload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func signBytes(secret, encPayload string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encPayload))
	return mac.Sum(nil)
}

// AuthenticatedIdentity is what any auth mode resolves a connecting client
// to before a Session is created.
type AuthenticatedIdentity struct {
	DisplayName string
	WalletID    string
}

// VerifyToken validates a wsAuth query token against secret and the
// claimed role/clientId/agentId: reject on bad signature, wrong version,
// wrong role, missing or past exp, and (for humans) a clientId claim
// mismatch or (for agents) an agentId claim mismatch.
func VerifyToken(secret, token, role, clientOrAgentID string, now time.Time) (TokenPayload, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return TokenPayload{}, fmt.Errorf("gateway: malformed token")
	}
	encPayload, encSig := parts[0], parts[1]

	wantSig := signBytes(secret, encPayload)
	gotSig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("gateway: malformed token signature")
	}
	if subtle.ConstantTimeCompare(wantSig, gotSig) != 1 {
		return TokenPayload{}, fmt.Errorf("gateway: bad token signature")
	}

	body, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return TokenPayload{}, fmt.Errorf("gateway: malformed token payload")
	}
	var p TokenPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return TokenPayload{}, fmt.Errorf("gateway: undecodable token payload")
	}

	if p.V != 1 {
		return TokenPayload{}, fmt.Errorf("gateway: wrong token version")
	}
	if p.Role != role {
		return TokenPayload{}, fmt.Errorf("gateway: wrong token role")
	}
	if p.EXP == 0 || now.Unix() > p.EXP {
		return TokenPayload{}, fmt.Errorf("gateway: token expired")
	}
	switch role {
	case "human":
		if p.ClientID == "" || p.ClientID != clientOrAgentID {
			return TokenPayload{}, fmt.Errorf("gateway: clientId claim mismatch")
		}
	case "agent":
		if p.AgentID == "" || p.AgentID != clientOrAgentID {
			return TokenPayload{}, fmt.Errorf("gateway: agentId claim mismatch")
		}
	default:
		return TokenPayload{}, fmt.Errorf("gateway: unknown role")
	}
	return p, nil
}

// sanitizeClientID keeps the stable id policy
// (playerId = 'u_' + sanitize(clientId)) deterministic: only
// [a-zA-Z0-9_-] survive, everything else becomes '_'.
func sanitizeClientID(clientID string) string {
	var b strings.Builder
	b.Grow(len(clientID))
	for _, r := range clientID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// derivePlayerID applies the stable id policy: agents keep their agentId
// verbatim, humans get a sanitized, prefixed clientId.
func derivePlayerID(role, clientID, agentID string) string {
	if role == "agent" {
		return agentID
	}
	return "u_" + sanitizeClientID(clientID)
}

// cookieAuthClient calls the external auth service to resolve a session
// cookie to {displayName, walletId, profileId}.
type cookieAuthClient struct {
	baseURL string
	client  *http.Client
}

func newCookieAuthClient(baseURL string) *cookieAuthClient {
	return &cookieAuthClient{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

type cookieAuthResponse struct {
	DisplayName string `json:"displayName"`
	WalletID    string `json:"walletId"`
	ProfileID   string `json:"profileId"`
}

func (c *cookieAuthClient) Validate(cookie *http.Cookie) (AuthenticatedIdentity, error) {
	if cookie == nil {
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: missing session cookie")
	}
	req, err := http.NewRequest(http.MethodGet, c.baseURL, nil)
	if err != nil {
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: build auth request: %w", err)
	}
	req.AddCookie(cookie)

	resp, err := c.client.Do(req)
	if err != nil {
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: auth service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: auth service rejected cookie: %d", resp.StatusCode)
	}

	var out cookieAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: undecodable auth response: %w", err)
	}
	return AuthenticatedIdentity{DisplayName: out.DisplayName, WalletID: out.WalletID}, nil
}
