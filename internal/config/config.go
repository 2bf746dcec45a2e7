// Package config loads the arena server's environment-driven configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AuthMode selects how the Session Gateway authenticates incoming connections.
type AuthMode string

const (
	AuthModeCookie AuthMode = "cookie"
	AuthModeSigned AuthMode = "signed"
	AuthModeOpen   AuthMode = "open"
)

// EscrowMode selects how the Escrow Orchestrator settles wagers.
type EscrowMode string

const (
	EscrowModeRuntime EscrowMode = "runtime"
	EscrowModeOnchain EscrowMode = "onchain"
)

// Config holds every environment variable recognized by the server.
// Defaults favor a single-node dev mode posture: missing REDIS_URL/
// DATABASE_URL fall back to in-process stores rather than failing
// startup, in production as well (Validate checks neither).
type Config struct {
	ServerPort     int
	ServerInstance string

	DatabaseURL string
	RedisURL    string

	PresenceTTL time.Duration

	ProximityThreshold        float64
	StationProximityThreshold float64

	ChallengePendingTimeout time.Duration
	ChallengeActiveResolve  time.Duration
	ChallengeOrphanGrace    time.Duration
	AgentHumanCooldown      time.Duration

	AgentRuntimeURL     string
	EscrowMode          EscrowMode
	ChainRPCURL         string
	EscrowContractAddr  string
	EscrowResolverKey   string
	EscrowTokenDecimals int

	WSAuthSecret  string
	WebAuthURL    string
	InternalToken string
	AuthMode      AuthMode

	StationPluginRouterEnabled bool
	DiceDuelEnabled            bool
	AgentLocomotionEnabled     bool

	Environment string // "production" | "development"

	WorldBound      float64
	MaxSpeed        float64
	Accel           float64
	Drag            float64
	CollisionRadius float64
	TickRate        int
}

// Load reads configuration from the process environment with AutomaticEnv,
// exclusively from env vars — there is no config file format.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", 7350)
	v.SetDefault("SERVER_INSTANCE_ID", "node0")
	v.SetDefault("PRESENCE_TTL_SECONDS", 30)
	v.SetDefault("PROXIMITY_THRESHOLD", 12.0)
	v.SetDefault("STATION_PROXIMITY_THRESHOLD", 4.0)
	v.SetDefault("CHALLENGE_PENDING_TIMEOUT_MS", 30_000)
	v.SetDefault("CHALLENGE_ACTIVE_RESOLVE_MS", 45_000)
	v.SetDefault("CHALLENGE_ORPHAN_GRACE_MS", 8_000)
	v.SetDefault("AGENT_TO_HUMAN_CHALLENGE_COOLDOWN_MS", 20_000)
	v.SetDefault("ESCROW_EXECUTION_MODE", "runtime")
	v.SetDefault("ESCROW_TOKEN_DECIMALS", 18)
	v.SetDefault("STATION_PLUGIN_ROUTER_ENABLED", true)
	v.SetDefault("DICE_DUEL_ENABLED", true)
	v.SetDefault("AGENT_LOCOMOTION_ENABLED", true)
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("WORLD_BOUND", 800.0)
	v.SetDefault("MAX_SPEED", 240.0)
	v.SetDefault("ACCEL", 900.0)
	v.SetDefault("DRAG", 6.0)
	v.SetDefault("COLLISION_RADIUS", 20.0)
	v.SetDefault("TICK_RATE", 20)

	if v.IsSet("PORT") && !v.IsSet("SERVER_PORT") {
		v.Set("SERVER_PORT", v.Get("PORT"))
	}
	if v.IsSet("PROXIMITY_RADIUS") && !v.IsSet("PROXIMITY_THRESHOLD") {
		v.Set("PROXIMITY_THRESHOLD", v.Get("PROXIMITY_RADIUS"))
	}

	cfg := &Config{
		ServerPort:     v.GetInt("SERVER_PORT"),
		ServerInstance: v.GetString("SERVER_INSTANCE_ID"),

		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		PresenceTTL: time.Duration(v.GetInt64("PRESENCE_TTL_SECONDS")) * time.Second,

		ProximityThreshold:        v.GetFloat64("PROXIMITY_THRESHOLD"),
		StationProximityThreshold: v.GetFloat64("STATION_PROXIMITY_THRESHOLD"),

		ChallengePendingTimeout: time.Duration(v.GetInt64("CHALLENGE_PENDING_TIMEOUT_MS")) * time.Millisecond,
		ChallengeActiveResolve:  time.Duration(v.GetInt64("CHALLENGE_ACTIVE_RESOLVE_MS")) * time.Millisecond,
		ChallengeOrphanGrace:    time.Duration(v.GetInt64("CHALLENGE_ORPHAN_GRACE_MS")) * time.Millisecond,
		AgentHumanCooldown:      time.Duration(v.GetInt64("AGENT_TO_HUMAN_CHALLENGE_COOLDOWN_MS")) * time.Millisecond,

		AgentRuntimeURL:     v.GetString("AGENT_RUNTIME_URL"),
		EscrowMode:          EscrowMode(v.GetString("ESCROW_EXECUTION_MODE")),
		ChainRPCURL:         v.GetString("CHAIN_RPC_URL"),
		EscrowContractAddr:  v.GetString("ESCROW_CONTRACT_ADDRESS"),
		EscrowResolverKey:   v.GetString("ESCROW_RESOLVER_PRIVATE_KEY"),
		EscrowTokenDecimals: v.GetInt("ESCROW_TOKEN_DECIMALS"),

		WSAuthSecret:  v.GetString("GAME_WS_AUTH_SECRET"),
		WebAuthURL:    v.GetString("WEB_AUTH_URL"),
		InternalToken: v.GetString("INTERNAL_SERVICE_TOKEN"),

		StationPluginRouterEnabled: v.GetBool("STATION_PLUGIN_ROUTER_ENABLED"),
		DiceDuelEnabled:            v.GetBool("DICE_DUEL_ENABLED"),
		AgentLocomotionEnabled:     v.GetBool("AGENT_LOCOMOTION_ENABLED"),

		Environment: v.GetString("NODE_ENV"),

		WorldBound:      v.GetFloat64("WORLD_BOUND"),
		MaxSpeed:        v.GetFloat64("MAX_SPEED"),
		Accel:           v.GetFloat64("ACCEL"),
		Drag:            v.GetFloat64("DRAG"),
		CollisionRadius: v.GetFloat64("COLLISION_RADIUS"),
		TickRate:        v.GetInt("TICK_RATE"),
	}

	switch {
	case v.GetString("WS_AUTH_MODE") != "":
		cfg.AuthMode = AuthMode(v.GetString("WS_AUTH_MODE"))
	case cfg.WSAuthSecret != "":
		cfg.AuthMode = AuthModeSigned
	case cfg.WebAuthURL != "":
		cfg.AuthMode = AuthModeCookie
	default:
		cfg.AuthMode = AuthModeOpen
	}

	return cfg, cfg.Validate()
}

// Validate is the only fatal-error site: a misconfigured production
// environment must exit before accepting connections.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.AuthMode == AuthModeOpen {
			return fmt.Errorf("config: open auth mode is not permitted in production")
		}
		if c.EscrowMode != EscrowModeOnchain {
			return fmt.Errorf("config: production requires ESCROW_EXECUTION_MODE=onchain")
		}
		if c.InternalToken == "" {
			return fmt.Errorf("config: INTERNAL_SERVICE_TOKEN is required in production")
		}
		if c.EscrowContractAddr == "" || c.ChainRPCURL == "" {
			return fmt.Errorf("config: CHAIN_RPC_URL and ESCROW_CONTRACT_ADDRESS are required in onchain mode")
		}
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: SERVER_PORT/PORT must be 1-65535, got %d", c.ServerPort)
	}
	if c.ServerInstance == "" {
		return fmt.Errorf("config: SERVER_INSTANCE_ID must not be empty")
	}
	if c.ProximityThreshold <= 0 {
		return fmt.Errorf("config: PROXIMITY_THRESHOLD must be positive")
	}
	return nil
}

// IsProduction reports whether the server is running with production
// validation applied.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
