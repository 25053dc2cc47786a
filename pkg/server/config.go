package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/instance"
	"github.com/livecomponent/runtime/pkg/lifecycle"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// Config holds configuration for the WebSocket server, mirroring the
// runtime's process-wide configuration table.
type Config struct {
	// Address is the address to listen on (e.g., ":8080" or "localhost:3000").
	// Default: ":8080".
	Address string

	// WSPath is the HTTP path the WebSocket endpoint is mounted on.
	// Default: "/ws".
	WSPath string

	// ReadBufferSize is the WebSocket read buffer size.
	// Default: 4096.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	// Default: 4096.
	WriteBufferSize int

	// CheckOrigin validates the request origin during upgrade.
	// Default: SameOriginCheck (rejects cross-origin).
	CheckOrigin func(r *http.Request) bool

	// MaxFrameBytes rejects larger inbound frames, upload chunk frames
	// included.
	// Default: 1 MiB.
	MaxFrameBytes int64

	// MaxUploadBytes rejects larger total uploads.
	// Default: 32 MiB.
	MaxUploadBytes int64

	// ChunkBytes is the max per-chunk upload size.
	// Default: 256 KiB.
	ChunkBytes int

	// IdleTTL evicts an instance once it has gone this long without activity.
	// Default: 5 minutes.
	IdleTTL time.Duration

	// ReapInterval is how often the lifecycle reaper sweeps for idle instances.
	// Default: 30 seconds.
	ReapInterval time.Duration

	// HandlerTimeout bounds a single method call's wall-clock time.
	// Default: 15 seconds.
	HandlerTimeout time.Duration

	// HeartbeatInterval is the ping cadence; three missed pongs close the
	// connection.
	// Default: 20 seconds.
	HeartbeatInterval time.Duration

	// MaxMailbox bounds pending work items per instance.
	// Default: 1024.
	MaxMailbox int

	// SendQueueFrames bounds the per-connection outbound queue; overflow
	// closes the connection with BACKPRESSURE.
	// Default: 256.
	SendQueueFrames int

	// SendQueueBytes is the byte-budget companion to SendQueueFrames.
	// Default: 1 MiB.
	SendQueueBytes int64

	// RateLimitRPS is the per-connection method-invocation rate.
	// Default: 50.
	RateLimitRPS float64

	// RateLimitBurst is the token-bucket burst size.
	// Default: 100.
	RateLimitBurst int

	// WorkDir is where the upload assembler's DiskSink stages files, under
	// <WorkDir>/uploads.
	// Default: "livecomponent-uploads", relative to the process's working
	// directory.
	WorkDir string

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// TrustedProxies lists reverse proxy IPs/CIDRs trusted to set
	// X-Forwarded-For / Forwarded headers.
	// Default: nil (don't trust proxy headers).
	TrustedProxies []string

	// DevMode disables origin checking for local development.
	// SECURITY: never use in production.
	// Default: false.
	DevMode bool
}

// DefaultConfig returns a Config with the runtime's documented defaults.
func DefaultConfig() *Config {
	limits := protocol.DefaultLimits()
	return &Config{
		Address:           ":8080",
		WSPath:            "/ws",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		MaxFrameBytes:     limits.MaxFrameBytes,
		MaxUploadBytes:    limits.MaxUploadBytes,
		ChunkBytes:        limits.ChunkBytes,
		IdleTTL:           lifecycle.DefaultIdleTTL,
		ReapInterval:      lifecycle.DefaultReapInterval,
		HandlerTimeout:    dispatch.DefaultHandlerTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxMailbox:        instance.DefaultMailboxSize,
		SendQueueFrames:   DefaultSendQueueFrames,
		SendQueueBytes:    DefaultSendQueueBytes,
		RateLimitRPS:      dispatch.DefaultRPS,
		RateLimitBurst:    dispatch.DefaultBurst,
		WorkDir:           "livecomponent-uploads",
		ShutdownTimeout:   30 * time.Second,
		DevMode:           false,
	}
}

// WithAddress sets the listen address and returns the config for chaining.
func (c *Config) WithAddress(addr string) *Config {
	c.Address = addr
	return c
}

// WithCheckOrigin overrides the upgrade-time origin check.
func (c *Config) WithCheckOrigin(fn func(r *http.Request) bool) *Config {
	c.CheckOrigin = fn
	return c
}

// WithIdleTTL overrides the idle-eviction TTL.
func (c *Config) WithIdleTTL(d time.Duration) *Config {
	c.IdleTTL = d
	return c
}

// WithHandlerTimeout overrides the per-method wall-clock limit.
func (c *Config) WithHandlerTimeout(d time.Duration) *Config {
	c.HandlerTimeout = d
	return c
}

// WithHeartbeat overrides the ping cadence.
func (c *Config) WithHeartbeat(d time.Duration) *Config {
	c.HeartbeatInterval = d
	return c
}

// WithRateLimit overrides the per-connection token-bucket rate limit.
func (c *Config) WithRateLimit(rps float64, burst int) *Config {
	c.RateLimitRPS = rps
	c.RateLimitBurst = burst
	return c
}

// WithTrustedProxies sets the reverse-proxy allowlist for X-Forwarded-*
// header resolution.
func (c *Config) WithTrustedProxies(entries ...string) *Config {
	c.TrustedProxies = entries
	return c
}

// WithWorkDir overrides the upload staging directory.
func (c *Config) WithWorkDir(dir string) *Config {
	c.WorkDir = dir
	return c
}

// WithDevMode disables origin checking for local development.
// SECURITY WARNING: never use in production.
func (c *Config) WithDevMode() *Config {
	c.DevMode = true
	c.CheckOrigin = func(r *http.Request) bool { return true }
	return c
}

// SameOriginCheck validates that the WebSocket upgrade request's Origin
// header matches the request Host. This is the secure default for
// CheckOrigin.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if r.Host == "" {
		return false
	}
	return originURL.Host == r.Host
}

// GetConfigWarnings returns non-fatal configuration concerns worth logging
// at startup.
func (c *Config) GetConfigWarnings() []string {
	var warnings []string
	if c.DevMode {
		warnings = append(warnings, "dev mode enabled - origin checking disabled, do not use in production")
	}
	if c.MaxMailbox <= 0 {
		warnings = append(warnings, "maxMailbox is unbounded - consider a positive limit to guard against OVERLOADED callers")
	}
	if len(c.TrustedProxies) == 0 {
		warnings = append(warnings, "no trusted proxies configured - X-Forwarded-For/Forwarded headers are ignored")
	}
	return warnings
}

func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	merged := *c
	if merged.Address == "" {
		merged.Address = defaults.Address
	}
	if merged.WSPath == "" {
		merged.WSPath = defaults.WSPath
	}
	if merged.ReadBufferSize == 0 {
		merged.ReadBufferSize = defaults.ReadBufferSize
	}
	if merged.WriteBufferSize == 0 {
		merged.WriteBufferSize = defaults.WriteBufferSize
	}
	if merged.CheckOrigin == nil {
		merged.CheckOrigin = defaults.CheckOrigin
	}
	if merged.MaxFrameBytes == 0 {
		merged.MaxFrameBytes = defaults.MaxFrameBytes
	}
	if merged.MaxUploadBytes == 0 {
		merged.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if merged.ChunkBytes == 0 {
		merged.ChunkBytes = defaults.ChunkBytes
	}
	if merged.IdleTTL == 0 {
		merged.IdleTTL = defaults.IdleTTL
	}
	if merged.ReapInterval == 0 {
		merged.ReapInterval = defaults.ReapInterval
	}
	if merged.HandlerTimeout == 0 {
		merged.HandlerTimeout = defaults.HandlerTimeout
	}
	if merged.HeartbeatInterval == 0 {
		merged.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if merged.MaxMailbox == 0 {
		merged.MaxMailbox = defaults.MaxMailbox
	}
	if merged.SendQueueFrames == 0 {
		merged.SendQueueFrames = defaults.SendQueueFrames
	}
	if merged.SendQueueBytes == 0 {
		merged.SendQueueBytes = defaults.SendQueueBytes
	}
	if merged.RateLimitRPS == 0 {
		merged.RateLimitRPS = defaults.RateLimitRPS
	}
	if merged.RateLimitBurst == 0 {
		merged.RateLimitBurst = defaults.RateLimitBurst
	}
	if merged.WorkDir == "" {
		merged.WorkDir = defaults.WorkDir
	}
	if merged.ShutdownTimeout == 0 {
		merged.ShutdownTimeout = defaults.ShutdownTimeout
	}
	return &merged
}
