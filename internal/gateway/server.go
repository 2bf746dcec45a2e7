package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/wildspark/arena-server/internal/bus"
	"github.com/wildspark/arena-server/internal/challenge"
	"github.com/wildspark/arena-server/internal/challengestore"
	"github.com/wildspark/arena-server/internal/config"
	"github.com/wildspark/arena-server/internal/escrow"
	"github.com/wildspark/arena-server/internal/metrics"
	"github.com/wildspark/arena-server/internal/presence"
	"github.com/wildspark/arena-server/internal/proximity"
	"github.com/wildspark/arena-server/internal/station"
	"github.com/wildspark/arena-server/internal/storage"
	"github.com/wildspark/arena-server/internal/worldsim"
)

// upgrader is a single package-level websocket.Upgrader. CheckOrigin is
// left permissive since the web/auth UI is an external collaborator and
// not this process's concern to lock down.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WalletResolver satisfies escrow.WalletResolver from the set of wallet
// ids observed on session connect, with a fixed house wallet for
// challenge.SystemHouse so station-originated wagers flow through the
// same escrow path as player-vs-player ones (see DESIGN.md). It is
// constructed once by cmd/arenad and shared between the gateway (which
// populates it on connect) and the Escrow Orchestrator (which reads it).
type WalletResolver struct {
	mu   sync.Mutex
	byID map[string]string
}

// NewWalletResolver constructs an empty resolver.
func NewWalletResolver() *WalletResolver {
	return &WalletResolver{byID: make(map[string]string)}
}

func (w *WalletResolver) set(playerID, walletID string) {
	if walletID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byID[playerID] = walletID
}

// WalletID implements escrow.WalletResolver.
func (w *WalletResolver) WalletID(playerID string) (string, bool) {
	if playerID == challenge.SystemHouse {
		return "house_treasury", true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.byID[playerID]
	return id, ok
}

// eventQueueCapacity bounds the async challenge-event queue; a full queue
// falls back to an immediate goroutine rather than blocking the tick loop.
const eventQueueCapacity = 1024

// maxConcurrentChallengeEvents bounds how many challenge events are
// mid-flight through escrow at once, so a burst of resolutions doesn't
// open unbounded outbound HTTP connections.
const maxConcurrentChallengeEvents = 8

// Server is the Session Gateway: it owns the HTTP/WS surface and the 20Hz
// tick supervisor.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	world      *worldsim.World
	proximity  *proximity.Detector
	challenges *challenge.Service
	chStore    challengestore.Store
	presence   presence.Store
	bus        bus.Bus
	escrow     *escrow.Orchestrator
	stations   *station.Router
	metrics    *metrics.Registry
	storage    *storage.Store // nil when DATABASE_URL is unset

	wallets *WalletResolver

	cookieAuth *cookieAuthClient

	mu       sync.Mutex
	sessions map[string]*Session

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // agent->human pair key -> last challenge_send time

	presenceWriteMu   sync.Mutex
	lastPresenceWrite map[string]time.Time

	remoteMu      sync.Mutex
	remoteCache   []presence.Entry
	remoteRefresh time.Time

	eventQueue chan challenge.Event
	eventSem   *semaphore.Weighted

	challengeLocksMu sync.Mutex
	challengeLocks   map[string]*sync.Mutex
}

// Deps bundles every collaborator the gateway wires together.
type Deps struct {
	Config     *config.Config
	Log        zerolog.Logger
	World      *worldsim.World
	Proximity  *proximity.Detector
	Challenges *challenge.Service
	ChStore    challengestore.Store
	Presence   presence.Store
	Bus        bus.Bus
	Escrow     *escrow.Orchestrator
	Stations   *station.Router
	Metrics    *metrics.Registry
	Storage    *storage.Store
	Wallets    *WalletResolver
}

// NewServer wires the gateway and subscribes to the bus's player-direct,
// challenge-command, and admin-command channels.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:               d.Config,
		log:               d.Log,
		world:             d.World,
		proximity:         d.Proximity,
		challenges:        d.Challenges,
		chStore:           d.ChStore,
		presence:          d.Presence,
		bus:               d.Bus,
		escrow:            d.Escrow,
		stations:          d.Stations,
		metrics:           d.Metrics,
		storage:           d.Storage,
		wallets:           d.Wallets,
		sessions:          make(map[string]*Session),
		cooldowns:         make(map[string]time.Time),
		lastPresenceWrite: make(map[string]time.Time),
		eventQueue:        make(chan challenge.Event, eventQueueCapacity),
		eventSem:          semaphore.NewWeighted(maxConcurrentChallengeEvents),
		challengeLocks:    make(map[string]*sync.Mutex),
	}
	if d.Config.AuthMode == config.AuthModeCookie {
		s.cookieAuth = newCookieAuthClient(d.Config.WebAuthURL)
	}

	s.bus.SubscribePlayerDirect(s.onBusPlayerDirect)
	s.bus.SubscribeChallengeCommand(s.onBusChallengeCommand)
	s.bus.SubscribeAdminCommand(s.onBusAdminCommand)

	return s
}

// Routes registers the gateway's full HTTP surface on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/presence", s.handlePresence)
	mux.HandleFunc("/challenges/recent", s.handleChallengesRecent)
	mux.HandleFunc("/escrow/events/recent", s.requireInternalToken(s.handleEscrowEventsRecent))
	mux.HandleFunc("/metrics", s.handleMetricsText)
	mux.HandleFunc("/metrics.json", s.handleMetricsJSON)
	mux.HandleFunc("/migrations/status", s.requireInternalToken(s.handleMigrationsStatus))
	mux.HandleFunc("/admin/teleport", s.requireInternalToken(s.handleAdminTeleport))
	mux.HandleFunc("/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("/admin/markets", s.requireInternalToken(s.handleAdminMarkets))
	mux.HandleFunc("/admin/markets/", s.requireInternalToken(s.handleAdminMarkets))
}

func (s *Server) requireInternalToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.InternalToken == "" || r.Header.Get("X-Internal-Token") != s.cfg.InternalToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) addSession(sess *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.sessions[sess.PlayerID]
	s.sessions[sess.PlayerID] = sess
	return old
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[sess.PlayerID]; ok && cur == sess {
		delete(s.sessions, sess.PlayerID)
		s.world.Leave(sess.PlayerID)
		s.proximity.Disconnect(sess.PlayerID)
		if ev, ok := s.challenges.ClearDisconnectedPlayer(sess.PlayerID, time.Now()); ok {
			s.enqueueChallengeEvent(ev)
		}
		_ = s.presence.Remove(context.Background(), sess.PlayerID)
	}
}

func (s *Server) localSession(playerID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[playerID]
	return sess, ok
}

// handleWS validates the connection's role/identity and upgrades it to a
// websocket session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	role := q.Get("role")
	if role != "human" && role != "agent" {
		http.Error(w, "role must be human or agent", http.StatusBadRequest)
		return
	}
	clientOrAgentID := q.Get("clientId")
	if role == "agent" {
		clientOrAgentID = q.Get("agentId")
	}
	if clientOrAgentID == "" {
		http.Error(w, "missing clientId/agentId", http.StatusBadRequest)
		return
	}

	identity, err := s.authenticate(r, role, clientOrAgentID, q)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	playerID := derivePlayerID(role, q.Get("clientId"), q.Get("agentId"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	displayName := identity.DisplayName
	if displayName == "" {
		displayName = q.Get("name")
	}
	if displayName == "" {
		displayName = playerID
	}

	sess := newSession(s, conn, playerID, role, displayName, identity.WalletID)
	if old := s.addSession(sess); old != nil {
		old.close(4000, "replaced_by_reconnect")
	}
	s.wallets.set(playerID, identity.WalletID)

	var spawn *worldsim.Vec2
	if entry, ok, _ := s.presence.Get(context.Background(), playerID); ok {
		spawn = &worldsim.Vec2{X: entry.X, Z: entry.Z}
	} else if role == "agent" {
		if section, err := strconv.Atoi(q.Get("spawnSection")); err == nil {
			slot := s.world.SectionSlot(section)
			spawn = &slot
		}
	}
	s.world.Join(playerID, spawn)
	if role == "agent" && !s.cfg.AgentLocomotionEnabled {
		s.world.LockLocomotion(playerID, true)
	}

	sess.sendJSON(welcomeFrame{
		Type:        "welcome",
		PlayerID:    playerID,
		Role:        role,
		DisplayName: displayName,
		ServerID:    s.cfg.ServerInstance,
	})

	go sess.writePump()
	sess.readPump()
}

// authenticate dispatches to the configured auth mode.
func (s *Server) authenticate(r *http.Request, role, clientOrAgentID string, q map[string][]string) (AuthenticatedIdentity, error) {
	switch s.cfg.AuthMode {
	case config.AuthModeOpen:
		vals := func(key string) string {
			if v, ok := q[key]; ok && len(v) > 0 {
				return v[0]
			}
			return ""
		}
		return AuthenticatedIdentity{DisplayName: vals("name"), WalletID: vals("walletId")}, nil
	case config.AuthModeSigned:
		token := r.URL.Query().Get("wsAuth")
		if token == "" {
			return AuthenticatedIdentity{}, fmt.Errorf("gateway: missing wsAuth token")
		}
		payload, err := VerifyToken(s.cfg.WSAuthSecret, token, role, clientOrAgentID, time.Now())
		if err != nil {
			return AuthenticatedIdentity{}, err
		}
		return AuthenticatedIdentity{WalletID: payload.WalletID}, nil
	case config.AuthModeCookie:
		cookie, _ := r.Cookie("session")
		return s.cookieAuth.Validate(cookie)
	default:
		return AuthenticatedIdentity{}, fmt.Errorf("gateway: unknown auth mode")
	}
}

// dispatch routes one decoded inbound message by type. Called only from
// the owning session's readPump goroutine, preserving per-session receive
// order.
func (s *Server) dispatch(sess *Session, env inboundEnvelope) {
	switch env.Type {
	case "input":
		var mx, mz float64
		if env.MoveX != nil {
			mx = *env.MoveX
		}
		if env.MoveZ != nil {
			mz = *env.MoveZ
		}
		s.world.SetInput(sess.PlayerID, mx, mz)
	case "station_interact":
		s.handleStationInteract(sess, env)
	case "challenge_send":
		s.handleChallengeSend(sess, env)
	case "challenge_response":
		s.handleChallengeResponse(sess, env)
	case "challenge_counter":
		s.handleChallengeCounter(sess, env)
	case "challenge_move":
		s.handleChallengeMove(sess, env)
	default:
		s.log.Debug().Str("type", env.Type).Msg("gateway: unknown message type")
	}
}

func pairKeyFor(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func (s *Server) underCooldown(agentID, humanID string) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	last, ok := s.cooldowns[pairKeyFor(agentID, humanID)]
	if !ok {
		return false
	}
	return time.Since(last) < s.cfg.AgentHumanCooldown
}

func (s *Server) markCooldown(agentID, humanID string) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	s.cooldowns[pairKeyFor(agentID, humanID)] = time.Now()
}

// positionOf looks up a player's current position, local first then the
// cached remote presence list.
func (s *Server) positionOf(playerID string) (x, z float64, ok bool) {
	if x, z, ok := s.world.Position(playerID); ok {
		return x, z, true
	}
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	for _, e := range s.remoteCache {
		if e.PlayerID == playerID {
			return e.X, e.Z, true
		}
	}
	return 0, 0, false
}

func (s *Server) targetRole(playerID string) (string, bool) {
	if sess, ok := s.localSession(playerID); ok {
		return sess.Role, true
	}
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	for _, e := range s.remoteCache {
		if e.PlayerID == playerID {
			return e.Role, true
		}
	}
	return "", false
}

func (s *Server) handleChallengeSend(sess *Session, env inboundEnvelope) {
	if env.TargetID == "" || env.TargetID == sess.PlayerID {
		sess.sendJSON(errorFrame{Type: "error", Reason: "invalid"})
		return
	}

	ax, az, aok := s.positionOf(sess.PlayerID)
	bx, bz, bok := s.positionOf(env.TargetID)
	if !aok || !bok || !withinThreshold(ax, az, bx, bz, s.cfg.ProximityThreshold) {
		sess.sendJSON(errorFrame{Type: "error", Reason: "target_not_nearby"})
		return
	}

	targetRole, found := s.targetRole(env.TargetID)
	if !found {
		sess.sendJSON(errorFrame{Type: "error", Reason: "target_not_found"})
		return
	}

	if sess.Role == "agent" && targetRole == "human" {
		if s.underCooldown(sess.PlayerID, env.TargetID) {
			sess.sendJSON(errorFrame{Type: "error", Reason: "human_challenge_cooldown"})
			return
		}
	}

	ev, err := s.challenges.CreateChallenge(sess.PlayerID, env.TargetID, challenge.GameType(env.GameType), env.Wager, time.Now())
	if err != nil {
		sess.sendJSON(errorFrame{Type: "error", Reason: err.Error()})
		return
	}
	if sess.Role == "agent" && targetRole == "human" {
		s.markCooldown(sess.PlayerID, env.TargetID)
	}
	s.enqueueChallengeEvent(ev)
}

// forwardOrError handles a local challenge-command failure: if the
// challenge store says another node owns this challenge, forward the
// command there over the bus instead of surfacing the local error. Shared
// by challenge_response/challenge_counter/challenge_move.
func (s *Server) forwardOrError(sess *Session, cmdType string, env inboundEnvelope, localErr error) {
	owner, ok, lookupErr := s.chStore.GetOwnerServerID(context.Background(), env.ChallengeID)
	if lookupErr == nil && ok && owner != "" && owner != s.cfg.ServerInstance {
		body, err := json.Marshal(env)
		if err != nil {
			sess.sendJSON(errorFrame{Type: "error", Reason: localErr.Error()})
			return
		}
		if pubErr := s.bus.PublishChallengeCommand(context.Background(), bus.ChallengeCommand{
			Type: cmdType, ChallengeID: env.ChallengeID, ActorID: sess.PlayerID, OwnerNodeID: owner, Payload: body,
		}); pubErr != nil {
			s.log.Warn().Err(pubErr).Msg("gateway: failed to forward challenge command")
		}
		return
	}
	sess.sendJSON(errorFrame{Type: "error", Reason: localErr.Error()})
}

func (s *Server) handleChallengeResponse(sess *Session, env inboundEnvelope) {
	ev, err := s.challenges.Respond(env.ChallengeID, sess.PlayerID, env.Accept, time.Now())
	if err != nil {
		s.forwardOrError(sess, "respond", env, err)
		return
	}
	s.enqueueChallengeEvent(ev)
}

func (s *Server) handleChallengeCounter(sess *Session, env inboundEnvelope) {
	declineEv, err := s.challenges.Respond(env.ChallengeID, sess.PlayerID, false, time.Now())
	if err != nil {
		s.forwardOrError(sess, "counter", env, err)
		return
	}
	s.enqueueChallengeEvent(declineEv)

	original := declineEv.Challenge
	newEv, err := s.challenges.CreateChallenge(sess.PlayerID, original.Challenger, original.GameType, env.Wager, time.Now())
	if err != nil {
		sess.sendJSON(errorFrame{Type: "error", Reason: err.Error()})
		return
	}
	s.enqueueChallengeEvent(newEv)
}

func (s *Server) handleChallengeMove(sess *Session, env inboundEnvelope) {
	ev, err := s.challenges.SubmitMove(env.ChallengeID, sess.PlayerID, env.Move, time.Now())
	if err != nil {
		s.forwardOrError(sess, "move", env, err)
		return
	}
	if ev.Challenge.Status == challenge.StatusResolved {
		s.enqueueChallengeEvent(ev)
	}
}

func (s *Server) handleStationInteract(sess *Session, env inboundEnvelope) {
	switch env.Action {
	case "start":
		res, err := s.stations.Start(context.Background(), sess.PlayerID, env.StationID, env.Wager, time.Now())
		if err != nil {
			sess.sendJSON(errorFrame{Type: "error", Reason: err.Error()})
			return
		}
		sess.sendJSON(stationUIFrame{Type: "station_ui", StationID: env.StationID, View: res})
		if res.CommitHash != "" {
			sess.sendJSON(provablyFairFrame{Type: "provably_fair", Phase: "commit", CommitHash: res.CommitHash, Method: res.Method})
		}
	case "pick":
		// Dealer-round events run synchronously in this session's dispatch
		// goroutine (not the async worker) so the escrow lock completes —
		// or aborts the round — before any move is submitted.
		dispatch := func(ev challenge.Event) bool {
			s.processChallengeEvent(ev)
			c, ok := s.challenges.Get(ev.Challenge.ID)
			return ok && c.Status != challenge.StatusDeclined && c.Status != challenge.StatusExpired
		}
		res, err := s.stations.Pick(sess.PlayerID, env.Move, env.PlayerSeed, time.Now(), dispatch)
		if err != nil {
			sess.sendJSON(errorFrame{Type: "error", Reason: err.Error()})
			return
		}
		sess.sendJSON(stationUIFrame{Type: "station_ui", StationID: env.StationID, View: res})
		if res.State == station.StateDealerReveal && res.ChallengeID != "" {
			if c, ok := s.challenges.Get(res.ChallengeID); ok {
				frame := provablyFairFrame{Type: "provably_fair", Phase: "reveal", ChallengeID: c.ID, PlayerSeed: env.PlayerSeed}
				if c.ProvablyFair != nil {
					frame.CommitHash = c.ProvablyFair.CommitHash
					frame.HouseSeed = c.ProvablyFair.HouseSeed
					frame.Method = c.ProvablyFair.Method
				}
				sess.sendJSON(frame)
			}
		}
	case "interact":
		effects, err := s.stations.Interact(sess.PlayerID, env.StationID, env.Action)
		if err != nil {
			sess.sendJSON(errorFrame{Type: "error", Reason: err.Error()})
			return
		}
		sess.sendJSON(stationUIFrame{Type: "station_ui", StationID: env.StationID, View: effects})
	default:
		sess.sendJSON(errorFrame{Type: "error", Reason: "unknown_station_action"})
	}
}

// enqueueChallengeEvent hands a challenge transition off to the async event
// worker instead of processing it inline. Never blocks: a full queue spills
// over into an immediate goroutine rather than stalling the caller, which
// for tick-originated events would otherwise stall world simulation on a
// slow escrow call.
func (s *Server) enqueueChallengeEvent(ev challenge.Event) {
	select {
	case s.eventQueue <- ev:
	default:
		go s.processChallengeEvent(ev)
	}
}

// RunEventWorker drains the challenge event queue, processing events
// concurrently up to maxConcurrentChallengeEvents at a time. Ordering
// between events for the same challenge id is preserved by
// processChallengeEvent's per-id lock even though different challenges may
// be in flight simultaneously. Blocks until ctx is cancelled.
func (s *Server) RunEventWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eventQueue:
			if err := s.eventSem.Acquire(ctx, 1); err != nil {
				return
			}
			go func(ev challenge.Event) {
				defer s.eventSem.Release(1)
				s.processChallengeEvent(ev)
			}(ev)
		}
	}
}

// challengeLock returns the mutex serializing events for one challenge id,
// creating it on first use.
func (s *Server) challengeLock(id string) *sync.Mutex {
	s.challengeLocksMu.Lock()
	defer s.challengeLocksMu.Unlock()
	l, ok := s.challengeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.challengeLocks[id] = l
	}
	return l
}

func (s *Server) forgetChallengeLock(id string) {
	s.challengeLocksMu.Lock()
	defer s.challengeLocksMu.Unlock()
	delete(s.challengeLocks, id)
}

// processChallengeEvent runs handleChallengeEvent under the per-challenge
// lock, then drops the lock once the challenge has reached a terminal
// status so the lock map doesn't grow without bound.
func (s *Server) processChallengeEvent(ev challenge.Event) {
	l := s.challengeLock(ev.Challenge.ID)
	l.Lock()
	defer l.Unlock()

	s.handleChallengeEvent(ev)

	switch ev.Challenge.Status {
	case challenge.StatusResolved, challenge.StatusDeclined, challenge.StatusExpired:
		s.forgetChallengeLock(ev.Challenge.ID)
	}
}

// handleChallengeEvent is the single funnel every challenge state
// transition passes through: escrow side effects, challengestore
// bookkeeping, durable persistence, and client dispatch. Always reached
// through processChallengeEvent — from the async event worker, from
// enqueueChallengeEvent's overflow goroutine, or synchronously from a
// dealer-round pick — never from the tick loop directly, since escrow
// calls make real outbound HTTP requests.
func (s *Server) handleChallengeEvent(ev challenge.Event) {
	ctx := context.Background()
	c := ev.Challenge

	switch ev.Kind {
	case challenge.EventCreated:
		// Distributed per-player locks enforce the one-challenge-per-player
		// rule across nodes; the local service's own lock map only covers
		// this node. A lock held elsewhere aborts the local create.
		lockTTL := s.cfg.ChallengePendingTimeout + s.cfg.ChallengeActiveResolve
		if res, err := s.chStore.TryLockPlayers(ctx, c.ID, challengeParticipants(c), lockTTL); err != nil {
			s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to acquire distributed player locks")
		} else if !res.OK {
			if abortEv, aerr := s.challenges.Abort(c.ID, res.Reason); aerr == nil {
				s.handleChallengeEvent(abortEv)
				return
			}
		}
		if err := s.chStore.RegisterChallenge(ctx, challengestore.Meta{
			ID: c.ID, Challenger: c.Challenger, Opponent: c.Opponent, Status: string(c.Status),
		}); err != nil {
			s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to register challenge")
		}
	case challenge.EventAccepted:
		s.updateStoreStatus(ctx, c)
		if c.Wager > 0 {
			if escEv, ok := s.escrow.OnAccepted(ctx, c.ID, c.Challenger, c.Opponent, c.Wager); ok {
				s.broadcastEscrowEvent(c, escEv)
				if escEv.Kind == "lock:fail" {
					if abortEv, err := s.challenges.Abort(c.ID, escEv.Reason); err == nil {
						s.handleChallengeEvent(abortEv)
					}
				}
			}
		}
	case challenge.EventResolved:
		s.updateStoreStatus(ctx, c)
		if c.Wager > 0 {
			for _, escEv := range s.escrow.OnResolved(ctx, c.ID, c.WinnerID) {
				s.broadcastEscrowEvent(c, escEv)
			}
		}
		s.metrics.IncChallengesResolved()
	case challenge.EventDeclined, challenge.EventExpired:
		s.updateStoreStatus(ctx, c)
		if c.Wager > 0 {
			for _, escEv := range s.escrow.OnDeclinedOrExpired(ctx, c.ID, c.Wager) {
				s.broadcastEscrowEvent(c, escEv)
			}
		}
	}

	s.broadcastChallengeEvent(ev)

	body, _ := json.Marshal(c)
	if err := s.chStore.AppendHistory(ctx, challengestore.HistoryEntry{ChallengeID: c.ID, JSON: string(body), At: time.Now()}); err != nil {
		s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to append challenge history")
	}

	if s.storage != nil {
		s.persistChallenge(ctx, c)
	}

	// Terminal states release the distributed player locks and clear the
	// ownership meta, so neither can outlive the challenge.
	switch c.Status {
	case challenge.StatusResolved, challenge.StatusDeclined, challenge.StatusExpired:
		if err := s.chStore.ReleasePlayers(ctx, c.ID, challengeParticipants(c)); err != nil {
			s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to release distributed player locks")
		}
		if err := s.chStore.Clear(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to clear challenge meta")
		}
	}
}

// challengeParticipants lists the lockable participants of a challenge,
// excluding the virtual house which is never locked.
func challengeParticipants(c challenge.Challenge) []string {
	out := make([]string, 0, 2)
	for _, id := range []string{c.Challenger, c.Opponent} {
		if id != "" && id != challenge.SystemHouse {
			out = append(out, id)
		}
	}
	return out
}

func (s *Server) updateStoreStatus(ctx context.Context, c challenge.Challenge) {
	if err := s.chStore.UpdateStatus(ctx, c.ID, string(c.Status), ""); err != nil {
		s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to update challenge store status")
	}
}

func (s *Server) persistChallenge(ctx context.Context, c challenge.Challenge) {
	row := storage.ChallengeRow{
		ID: c.ID, Challenger: c.Challenger, Opponent: c.Opponent,
		GameType: string(c.GameType), Wager: c.Wager, Status: string(c.Status),
		WinnerID: c.WinnerID, CreatedAt: c.CreatedAt,
	}
	if c.Status == challenge.StatusResolved {
		now := time.Now()
		row.ResolvedAt = &now
	}
	if err := s.storage.UpsertChallenge(ctx, row); err != nil {
		s.log.Warn().Err(err).Str("challengeId", c.ID).Msg("gateway: failed to persist challenge")
	}
}

// sendToPlayer delivers frame to playerID: directly if the session is
// local, else via the bus's player-direct channel for whichever node owns
// it: on-node via a direct local send, off-node via the bus.
func (s *Server) sendToPlayer(playerID string, frame interface{}) {
	if playerID == "" || playerID == challenge.SystemHouse {
		return
	}
	body, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn().Err(err).Msg("gateway: failed to marshal frame for delivery")
		return
	}
	if sess, ok := s.localSession(playerID); ok {
		sess.enqueue(body)
		return
	}
	if err := s.bus.PublishPlayerDirect(context.Background(), bus.PlayerDirectMessage{PlayerID: playerID, Payload: body}); err != nil {
		s.log.Warn().Err(err).Str("playerId", playerID).Msg("gateway: failed to publish player-direct frame")
	}
}

func (s *Server) broadcastChallengeEvent(ev challenge.Event) {
	frame := challengeFrame{Type: "challenge", Event: string(ev.Kind), Reason: ev.Reason, Challenge: ev.Challenge}
	for _, to := range ev.To {
		s.sendToPlayer(to, frame)
	}
	feed := challengeFrame{Type: "challenge_feed", Event: string(ev.Kind), Reason: ev.Reason, Challenge: ev.Challenge}
	s.broadcastLocal(feed)
}

func (s *Server) broadcastEscrowEvent(c challenge.Challenge, ev escrow.Event) {
	frame := challengeEscrowFrame{
		Type: "challenge_escrow", Phase: escrowPhase(ev.Kind), ChallengeID: ev.ChallengeID,
		OK: strings.HasSuffix(ev.Kind, ":ok"), Reason: ev.Reason, TxHash: ev.Tx, Fee: ev.FeeBps, Payout: ev.Payout,
	}
	if ev.Kind == "lock:ok" || ev.Kind == "lock:fail" {
		if ev.Kind == "lock:ok" {
			s.metrics.IncEscrowLockOK()
		} else {
			s.metrics.IncEscrowLockFail()
		}
	}
	if strings.HasPrefix(ev.Kind, "resolve:") {
		if ev.Kind == "resolve:ok" {
			s.metrics.IncEscrowResolveOK()
		} else {
			s.metrics.IncEscrowResolveFail()
		}
	}
	s.sendToPlayer(c.Challenger, frame)
	s.sendToPlayer(c.Opponent, frame)

	if s.storage != nil {
		row := storage.EscrowEventRow{
			ChallengeID: ev.ChallengeID, Phase: escrowPhase(ev.Kind), OK: strings.HasSuffix(ev.Kind, ":ok"),
			Reason: ev.Reason, TxHash: ev.Tx, Fee: int64(ev.FeeBps), Payout: ev.Payout, CreatedAt: time.Now(),
		}
		if err := s.storage.AppendEscrowEvent(context.Background(), row); err != nil {
			s.log.Warn().Err(err).Str("challengeId", ev.ChallengeID).Msg("gateway: failed to persist escrow event")
		}
	}
}

func escrowPhase(kind string) string {
	if i := strings.IndexByte(kind, ':'); i >= 0 {
		return kind[:i]
	}
	return kind
}

func (s *Server) broadcastLocal(frame interface{}) {
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.enqueue(body)
	}
}

// onBusPlayerDirect forwards an already-marshaled frame to a locally
// owned session, dropping it otherwise (every node subscribes, only the
// owner delivers).
func (s *Server) onBusPlayerDirect(msg bus.PlayerDirectMessage) {
	if sess, ok := s.localSession(msg.PlayerID); ok {
		sess.enqueue(msg.Payload)
	}
}

func (s *Server) onBusChallengeCommand(cmd bus.ChallengeCommand) {
	if cmd.OwnerNodeID != s.cfg.ServerInstance {
		return
	}
	var env inboundEnvelope
	if err := json.Unmarshal(cmd.Payload, &env); err != nil {
		s.log.Warn().Err(err).Msg("gateway: dropping unparsable forwarded challenge command")
		return
	}
	env.ChallengeID = cmd.ChallengeID
	actor := cmd.ActorID

	switch cmd.Type {
	case "respond":
		if ev, err := s.challenges.Respond(env.ChallengeID, actor, env.Accept, time.Now()); err == nil {
			s.enqueueChallengeEvent(ev)
		}
	case "counter":
		if declineEv, err := s.challenges.Respond(env.ChallengeID, actor, false, time.Now()); err == nil {
			s.enqueueChallengeEvent(declineEv)
			original := declineEv.Challenge
			if newEv, err := s.challenges.CreateChallenge(actor, original.Challenger, original.GameType, env.Wager, time.Now()); err == nil {
				s.enqueueChallengeEvent(newEv)
			}
		}
	case "move":
		if ev, err := s.challenges.SubmitMove(env.ChallengeID, actor, env.Move, time.Now()); err == nil && ev.Challenge.Status == challenge.StatusResolved {
			s.enqueueChallengeEvent(ev)
		}
	}
}

func (s *Server) onBusAdminCommand(cmd bus.AdminCommand) {
	if cmd.OwnerNodeID != s.cfg.ServerInstance {
		return
	}
	var body struct {
		X, Z float64
	}
	if err := json.Unmarshal(cmd.Payload, &body); err != nil {
		s.log.Warn().Err(err).Msg("gateway: dropping unparsable forwarded admin command")
		return
	}
	if cmd.Type == "teleport" {
		s.world.Teleport(cmd.PlayerID, body.X, body.Z)
	}
}

func withinThreshold(ax, az, bx, bz, threshold float64) bool {
	dx, dz := ax-bx, az-bz
	return dx*dx+dz*dz <= threshold*threshold
}
