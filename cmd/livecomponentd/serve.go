package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/lifecycle"
	"github.com/livecomponent/runtime/pkg/middleware"
	"github.com/livecomponent/runtime/pkg/protocol"
	"github.com/livecomponent/runtime/pkg/registry"
	"github.com/livecomponent/runtime/pkg/server"
	"github.com/livecomponent/runtime/pkg/upload"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		wsPath     string
		workDir    string
		devMode    bool
		idleTTL    time.Duration
		rateRPS    float64
		rateBurst  int
		tracingOn  bool
		metricsOn  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live component server",
		Long: `Run the live component server.

Listens for WebSocket upgrades on --addr, speaking the live.v1 protocol.
Component state lives in process memory and is lost on restart; uploads
are staged under --work-dir and bound to their owning instance's lifetime.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				addr:      addr,
				wsPath:    wsPath,
				workDir:   workDir,
				devMode:   devMode,
				idleTTL:   idleTTL,
				rateRPS:   rateRPS,
				rateBurst: rateBurst,
				tracingOn: tracingOn,
				metricsOn: metricsOn,
			})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/ws", "HTTP path the WebSocket endpoint is mounted on")
	cmd.Flags().StringVar(&workDir, "work-dir", "livecomponent-uploads", "directory uploads are staged under")
	cmd.Flags().BoolVar(&devMode, "dev", false, "disable origin checking (never use in production)")
	cmd.Flags().DurationVar(&idleTTL, "idle-ttl", 5*time.Minute, "evict an instance after this long without activity")
	cmd.Flags().Float64Var(&rateRPS, "rate-limit-rps", dispatch.DefaultRPS, "per-connection method-call rate limit")
	cmd.Flags().IntVar(&rateBurst, "rate-limit-burst", dispatch.DefaultBurst, "per-connection rate-limit burst")
	cmd.Flags().BoolVar(&tracingOn, "tracing", false, "wrap dispatch in OpenTelemetry spans")
	cmd.Flags().BoolVar(&metricsOn, "dispatch-metrics", true, "wrap dispatch in Prometheus update counters")

	return cmd
}

type serveOptions struct {
	addr      string
	wsPath    string
	workDir   string
	devMode   bool
	idleTTL   time.Duration
	rateRPS   float64
	rateBurst int
	tracingOn bool
	metricsOn bool
}

// counterState backs the "Counter" component registered at startup so a
// fresh deployment has something to mount without writing a component
// library first.
type counterState struct {
	Count int `json:"count"`
}

func registerBuiltins(reg *registry.Registry) error {
	return reg.Register(registry.Type{
		Name:          "Counter",
		SchemaVersion: "v1",
		NewState: func(props json.RawMessage) (any, error) {
			return &counterState{}, nil
		},
		Methods: map[string]registry.Method{
			"increment": func(ctx context.Context, mc *registry.MethodContext, state any, params []json.RawMessage) (any, error) {
				cs := state.(*counterState)
				cs.Count++
				return cs.Count, nil
			},
			"decrement": func(ctx context.Context, mc *registry.MethodContext, state any, params []json.RawMessage) (any, error) {
				cs := state.(*counterState)
				cs.Count--
				return cs.Count, nil
			},
			"reset": func(ctx context.Context, mc *registry.MethodContext, state any, params []json.RawMessage) (any, error) {
				cs := state.(*counterState)
				cs.Count = 0
				return cs.Count, nil
			},
		},
	})
}

func runServe(opts serveOptions) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	printBanner()
	info("serve")
	fmt.Println()

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin components: %w", err)
	}

	bus := eventbus.New()
	manager := lifecycle.New(reg, bus, lifecycle.Config{IdleTTL: opts.idleTTL}, logger)

	sink, err := upload.NewDiskSink(filepath.Join(opts.workDir, "uploads"))
	if err != nil {
		return fmt.Errorf("create upload sink: %w", err)
	}
	assembler := upload.New(sink, manager, protocol.DefaultLimits(), logger)
	manager.AddUnmountHook(assembler.AbortForInstance)

	var handler server.Dispatcher = dispatch.New(manager, bus, logger, dispatch.WithUploadHandler(assembler))
	var mws []middleware.Middleware
	if opts.tracingOn {
		mws = append(mws, middleware.OpenTelemetry())
	}
	if opts.metricsOn {
		mws = append(mws, middleware.Prometheus())
	}
	if len(mws) > 0 {
		handler = middleware.Chain(handler, mws...)
	}

	cfg := server.DefaultConfig().
		WithAddress(opts.addr).
		WithRateLimit(opts.rateRPS, opts.rateBurst).
		WithWorkDir(opts.workDir).
		WithIdleTTL(opts.idleTTL)
	cfg.WSPath = opts.wsPath
	if opts.devMode {
		warn("dev mode: origin checking disabled, do not use in production")
		cfg = cfg.WithDevMode()
	}

	srv := server.New(cfg, handler, manager, bus, assembler, logger)
	assembler.SetMetricsSink(srv.Metrics())

	success("listening on %s (ws path %s)", opts.addr, opts.wsPath)
	return srv.Run(context.Background())
}
