// Package escrow implements the escrow orchestrator: a strictly ordered
// external workflow wrapping every challenge state event that has monetary
// consequence, interposed between the challenge service and the dispatch
// pipeline. Every call out goes through the Runtime interface and is
// classified on failure; the only Runtime in this repository is the
// HTTP-backed HTTPRuntime, used for both escrow modes.
package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PreflightReasonCode is the structured failure taxonomy for a preflight
// check.
type PreflightReasonCode string

const (
	ReasonPlayerAllowanceLow      PreflightReasonCode = "PLAYER_ALLOWANCE_LOW"
	ReasonPlayerBalanceLow        PreflightReasonCode = "PLAYER_BALANCE_LOW"
	ReasonPlayerGasLow            PreflightReasonCode = "PLAYER_GAS_LOW"
	ReasonPlayerSignerUnavailable PreflightReasonCode = "PLAYER_SIGNER_UNAVAILABLE"
	ReasonHouseAllowanceLow       PreflightReasonCode = "HOUSE_ALLOWANCE_LOW"
	ReasonHouseBalanceLow         PreflightReasonCode = "HOUSE_BALANCE_LOW"
	ReasonHouseSignerUnavailable  PreflightReasonCode = "HOUSE_SIGNER_UNAVAILABLE"
	ReasonInternalAuthFailed      PreflightReasonCode = "INTERNAL_AUTH_FAILED"
	ReasonInternalTransportError  PreflightReasonCode = "INTERNAL_TRANSPORT_ERROR"
	ReasonRPCUnavailable          PreflightReasonCode = "RPC_UNAVAILABLE"
	ReasonWalletPolicyDisabled    PreflightReasonCode = "wallet_policy_disabled"
	ReasonUnknownPrecheckFailure  PreflightReasonCode = "UNKNOWN_PRECHECK_FAILURE"
)

// PreflightResult is the outcome of a Preflight call.
type PreflightResult struct {
	OK     bool
	Reason PreflightReasonCode
}

// LockResult is the outcome of a LockStake call.
type LockResult struct {
	OK     bool
	TxRef  string
	Reason PreflightReasonCode
}

// ResolveResult is the outcome of a Resolve call.
type ResolveResult struct {
	OK      bool
	Tx      string
	FeeBps  int
	Payout  int64
	Reason  string
}

// RefundResult is the outcome of a Refund call.
type RefundResult struct {
	OK     bool
	Tx     string
	Reason string
}

// Runtime is the external agent runtime (or on-chain adapter) the
// Orchestrator calls out to. Implementations must respect ctx deadlines;
// the HTTP-backed implementation enforces a 10s call budget.
type Runtime interface {
	Preflight(ctx context.Context, walletIDs []string, amount int64) (PreflightResult, error)
	LockStake(ctx context.Context, challengeID string, walletIDs []string, amount int64) (LockResult, error)
	Resolve(ctx context.Context, challengeID string, winnerWalletID string, feeBps int) (ResolveResult, error)
	Refund(ctx context.Context, challengeID string) (RefundResult, error)
}

// WalletResolver maps a player id to its wallet id, used to resolve both
// participants' wallet ids before any escrow call.
type WalletResolver interface {
	WalletID(playerID string) (string, bool)
}

// Event is emitted by the Orchestrator for broadcast/persistence: dual
// logged as a challenge_escrow broadcast and an escrow_events row.
type Event struct {
	Kind        string // "lock:ok" | "lock:fail" | "resolve:ok" | "resolve:fail" | "refund:ok" | "refund:fail"
	ChallengeID string
	Reason      string
	Tx          string
	FeeBps      int
	Payout      int64
}

const preflightCacheTTL = 2500 * time.Millisecond

type preflightCacheEntry struct {
	result  PreflightResult
	err     error
	at      time.Time
	waiters []chan struct{}
	done    bool
}

// Orchestrator is the single-writer-per-challenge escrow workflow owner.
// "Single-writer-per-challenge" is enforced by the caller: only the owner
// node for a challenge invokes these methods (cross-node requests are
// forwarded via the bus first).
type Orchestrator struct {
	runtime Runtime
	wallets WalletResolver
	feeBps  int

	mu        sync.Mutex
	lockedIDs map[string]bool // challengeId -> escrow-locked
	preflight map[string]*preflightCacheEntry
}

// New constructs an Orchestrator. feeBps is the house fee in basis
// points applied on Resolve.
func New(runtime Runtime, wallets WalletResolver, feeBps int) *Orchestrator {
	return &Orchestrator{
		runtime:   runtime,
		wallets:   wallets,
		feeBps:    feeBps,
		lockedIDs: make(map[string]bool),
		preflight: make(map[string]*preflightCacheEntry),
	}
}

func preflightKey(walletIDs []string, amount int64) string {
	sorted := append([]string(nil), walletIDs...)
	sort.Strings(sorted)
	return fmt.Sprintf("%s:%d", strings.Join(sorted, ","), amount)
}

// Preflight is cached per (sorted walletIds, amount) key for up to 2.5s;
// in-flight requests are coalesced so concurrent callers share one
// upstream call.
func (o *Orchestrator) Preflight(ctx context.Context, walletIDs []string, amount int64) (PreflightResult, error) {
	key := preflightKey(walletIDs, amount)

	o.mu.Lock()
	if entry, ok := o.preflight[key]; ok {
		if entry.done && time.Since(entry.at) < preflightCacheTTL {
			o.mu.Unlock()
			return entry.result, entry.err
		}
		if !entry.done {
			wait := make(chan struct{})
			entry.waiters = append(entry.waiters, wait)
			o.mu.Unlock()
			<-wait
			o.mu.Lock()
			defer o.mu.Unlock()
			return entry.result, entry.err
		}
	}

	entry := &preflightCacheEntry{}
	o.preflight[key] = entry
	o.mu.Unlock()

	result, err := o.runtime.Preflight(ctx, walletIDs, amount)

	o.mu.Lock()
	entry.result = result
	entry.err = err
	entry.at = time.Now()
	entry.done = true
	waiters := entry.waiters
	entry.waiters = nil
	o.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return result, err
}

// PreflightPlayers resolves the given players' wallets and runs the
// cached preflight check, returning the structured reason code for
// user-facing messaging at the station/interaction layer.
func (o *Orchestrator) PreflightPlayers(ctx context.Context, playerIDs []string, amount int64) (bool, string) {
	wallets := make([]string, 0, len(playerIDs))
	for _, id := range playerIDs {
		w, ok := o.wallets.WalletID(id)
		if !ok {
			return false, "wallet_required"
		}
		wallets = append(wallets, w)
	}
	pre, err := o.Preflight(ctx, wallets, amount)
	if err != nil {
		return false, string(ReasonInternalTransportError)
	}
	if !pre.OK && pre.Reason != ReasonWalletPolicyDisabled {
		return false, string(pre.Reason)
	}
	return true, ""
}

// OnAccepted runs preflight and locks both participants' stakes once a
// challenge is accepted. Both wallets are looked up through the
// WalletResolver; if either is missing it returns lock:fail with reason
// wallet_required.
func (o *Orchestrator) OnAccepted(ctx context.Context, challengeID string, challengerID, opponentID string, amount int64) (Event, bool) {
	if amount <= 0 {
		return Event{}, false
	}

	challengerWallet, ok1 := o.wallets.WalletID(challengerID)
	opponentWallet, ok2 := o.wallets.WalletID(opponentID)
	if !ok1 || !ok2 {
		return Event{Kind: "lock:fail", ChallengeID: challengeID, Reason: "wallet_required"}, true
	}

	wallets := []string{challengerWallet, opponentWallet}

	pre, err := o.Preflight(ctx, wallets, amount)
	if err != nil {
		return Event{Kind: "lock:fail", ChallengeID: challengeID, Reason: string(ReasonInternalTransportError)}, true
	}
	if !pre.OK {
		if pre.Reason == ReasonWalletPolicyDisabled {
			// Re-dispatch the original event (no abort): clients still see
			// the accept; best-effort refund is skipped since nothing was
			// locked.
			return Event{}, false
		}
		return Event{Kind: "lock:fail", ChallengeID: challengeID, Reason: string(pre.Reason)}, true
	}

	lock, err := o.runtime.LockStake(ctx, challengeID, wallets, amount)
	if err != nil || !lock.OK {
		reason := string(lock.Reason)
		if reason == "" {
			reason = string(ReasonInternalTransportError)
		}
		return Event{Kind: "lock:fail", ChallengeID: challengeID, Reason: reason}, true
	}

	o.mu.Lock()
	o.lockedIDs[challengeID] = true
	o.mu.Unlock()

	return Event{Kind: "lock:ok", ChallengeID: challengeID, Tx: lock.TxRef}, true
}

// OnResolved settles a resolved challenge's locked stake to the winner. A
// nil/empty winnerID means a draw, which routes to the refund path.
func (o *Orchestrator) OnResolved(ctx context.Context, challengeID, winnerID string) []Event {
	o.mu.Lock()
	locked := o.lockedIDs[challengeID]
	o.mu.Unlock()

	if !locked {
		return []Event{{Kind: "resolve:fail", ChallengeID: challengeID, Reason: "escrow_not_locked"}}
	}

	if winnerID == "" {
		return o.refund(ctx, challengeID)
	}

	winnerWallet, ok := o.wallets.WalletID(winnerID)
	if !ok {
		events := []Event{{Kind: "resolve:fail", ChallengeID: challengeID, Reason: "wallet_required"}}
		return append(events, o.refund(ctx, challengeID)...)
	}

	res, err := o.runtime.Resolve(ctx, challengeID, winnerWallet, o.feeBps)
	if err != nil || !res.OK {
		reason := res.Reason
		if reason == "" {
			reason = string(ReasonInternalTransportError)
		}
		events := []Event{{Kind: "resolve:fail", ChallengeID: challengeID, Reason: reason}}
		return append(events, o.refund(ctx, challengeID)...)
	}

	o.mu.Lock()
	delete(o.lockedIDs, challengeID)
	o.mu.Unlock()

	return []Event{{Kind: "resolve:ok", ChallengeID: challengeID, Tx: res.Tx, FeeBps: res.FeeBps, Payout: res.Payout}}
}

// OnDeclinedOrExpired refunds any locked stake for a challenge that ended
// without a winner.
func (o *Orchestrator) OnDeclinedOrExpired(ctx context.Context, challengeID string, wager int64) []Event {
	if wager <= 0 {
		return nil
	}
	o.mu.Lock()
	locked := o.lockedIDs[challengeID]
	o.mu.Unlock()
	if !locked {
		return nil
	}
	return o.refund(ctx, challengeID)
}

func (o *Orchestrator) refund(ctx context.Context, challengeID string) []Event {
	res, err := o.runtime.Refund(ctx, challengeID)
	o.mu.Lock()
	delete(o.lockedIDs, challengeID)
	o.mu.Unlock()

	if err != nil || !res.OK {
		reason := res.Reason
		if reason == "" {
			reason = string(ReasonInternalTransportError)
		}
		return []Event{{Kind: "refund:fail", ChallengeID: challengeID, Reason: reason}}
	}
	return []Event{{Kind: "refund:ok", ChallengeID: challengeID, Tx: res.Tx}}
}
