package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpCallTimeout bounds every call to the external agent runtime.
const httpCallTimeout = 10 * time.Second

// HTTPRuntime calls an external agent runtime's escrow endpoints over
// HTTP. cmd/arenad uses it for both the "runtime" and "onchain" escrow
// modes.
type HTTPRuntime struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPRuntime constructs a Runtime backed by the given agent runtime
// base URL, authenticated with an internal service token.
func NewHTTPRuntime(baseURL, internalToken string) *HTTPRuntime {
	return &HTTPRuntime{
		baseURL: baseURL,
		token:   internalToken,
		client:  &http.Client{Timeout: httpCallTimeout},
	}
}

func (r *HTTPRuntime) do(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, httpCallTimeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("escrow: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("escrow: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("escrow: %s: %s", path, ReasonInternalAuthFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("escrow: decode %s response: %w", path, err)
	}
	return nil
}

type preflightRequest struct {
	WalletIDs []string `json:"walletIds"`
	Amount    int64    `json:"amount"`
}

type preflightResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func (r *HTTPRuntime) Preflight(ctx context.Context, walletIDs []string, amount int64) (PreflightResult, error) {
	var resp preflightResponse
	if err := r.do(ctx, "/escrow/preflight", preflightRequest{WalletIDs: walletIDs, Amount: amount}, &resp); err != nil {
		return PreflightResult{}, err
	}
	return PreflightResult{OK: resp.OK, Reason: PreflightReasonCode(resp.Reason)}, nil
}

type lockRequest struct {
	ChallengeID string   `json:"challengeId"`
	WalletIDs   []string `json:"walletIds"`
	Amount      int64    `json:"amount"`
}

type lockResponse struct {
	OK     bool   `json:"ok"`
	TxRef  string `json:"txRef"`
	Reason string `json:"reason"`
}

func (r *HTTPRuntime) LockStake(ctx context.Context, challengeID string, walletIDs []string, amount int64) (LockResult, error) {
	var resp lockResponse
	if err := r.do(ctx, "/escrow/lock", lockRequest{ChallengeID: challengeID, WalletIDs: walletIDs, Amount: amount}, &resp); err != nil {
		return LockResult{}, err
	}
	return LockResult{OK: resp.OK, TxRef: resp.TxRef, Reason: PreflightReasonCode(resp.Reason)}, nil
}

type resolveRequest struct {
	ChallengeID    string `json:"challengeId"`
	WinnerWalletID string `json:"winnerWalletId"`
	FeeBps         int    `json:"feeBps"`
}

type resolveResponse struct {
	OK     bool   `json:"ok"`
	Tx     string `json:"tx"`
	FeeBps int    `json:"feeBps"`
	Payout int64  `json:"payout"`
	Reason string `json:"reason"`
}

func (r *HTTPRuntime) Resolve(ctx context.Context, challengeID string, winnerWalletID string, feeBps int) (ResolveResult, error) {
	var resp resolveResponse
	if err := r.do(ctx, "/escrow/resolve", resolveRequest{ChallengeID: challengeID, WinnerWalletID: winnerWalletID, FeeBps: feeBps}, &resp); err != nil {
		return ResolveResult{}, err
	}
	return ResolveResult{OK: resp.OK, Tx: resp.Tx, FeeBps: resp.FeeBps, Payout: resp.Payout, Reason: resp.Reason}, nil
}

type refundRequest struct {
	ChallengeID string `json:"challengeId"`
}

type refundResponse struct {
	OK     bool   `json:"ok"`
	Tx     string `json:"tx"`
	Reason string `json:"reason"`
}

func (r *HTTPRuntime) Refund(ctx context.Context, challengeID string) (RefundResult, error) {
	var resp refundResponse
	if err := r.do(ctx, "/escrow/refund", refundRequest{ChallengeID: challengeID}, &resp); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{OK: resp.OK, Tx: resp.Tx, Reason: resp.Reason}, nil
}
