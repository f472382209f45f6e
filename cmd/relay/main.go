package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vtt-relay/cmd/relay/daemon"
	"vtt-relay/internal/adapter/gateway"
	"vtt-relay/internal/adapter/keystore"
	"vtt-relay/internal/adapter/rest"
	"vtt-relay/internal/domain"
	"vtt-relay/internal/infra/config"
	"vtt-relay/internal/infra/logger"
	"vtt-relay/internal/infra/middleware"
	"vtt-relay/internal/infra/tracer"
	"vtt-relay/internal/usecase/auth"
	"vtt-relay/internal/usecase/correlator"
	"vtt-relay/internal/usecase/discovery"
	"vtt-relay/internal/usecase/eventbus"
	"vtt-relay/internal/usecase/maintenance"
	"vtt-relay/internal/usecase/registry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "keys":
		if err := runKeys(); err != nil {
			fmt.Fprintf(os.Stderr, "keys: %v\n", err)
			os.Exit(1)
		}
	case "daemon":
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println("vtt-relay " + version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'vtt-relay --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`vtt-relay - HTTP-to-WebSocket relay for virtual tabletop automation

USAGE:
    vtt-relay [COMMAND] [FLAGS]

COMMANDS:
    keys        Manage API keys in the key store
                Subcommands: create <name>, list, revoke <id>
    daemon      Manage vtt-relay as a system service
                Subcommands: install, uninstall, status
    version     Print the relay version

    (no command) - Run the relay with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: VTTRELAY_* variables override config

EXAMPLES:
    vtt-relay                                  # Run with config.yaml
    vtt-relay --config /etc/vttrelay.yaml      # Run with custom config
    vtt-relay keys create "gm laptop"          # Mint a managed API key
    vtt-relay keys list                        # List keys and their state
    vtt-relay keys revoke 01JGD8R9T2X4N6P8Q0   # Revoke a key
    vtt-relay daemon install                   # Install as system service`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Credential schemes
	var schemes []domain.CredentialScheme
	var store *keystore.SQLiteKeyStore
	if cfg.Auth.Keystore.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Auth.Keystore.Path), 0o700); err != nil {
			return fmt.Errorf("keystore dir: %w", err)
		}
		store, err = keystore.NewSQLiteKeyStore(cfg.Auth.Keystore.Path)
		if err != nil {
			return fmt.Errorf("keystore: %w", err)
		}
		defer store.Close()
		schemes = append(schemes, auth.NewKeyScheme(store))
	}
	if cfg.Auth.ClientIDs.Enabled {
		schemes = append(schemes, auth.NewClientIDScheme(cfg.Auth.ClientIDs.MinLength, cfg.Auth.ClientIDs.MaxLength))
	}
	gate := auth.NewGate(log, schemes...)

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Registry & correlator
	reg := registry.New(gate, bus, log, registry.Config{IdleAfter: cfg.Maintenance.IdleAfter})
	corr := correlator.New(reg, bus, log, correlator.Config{
		DefaultTimeout: cfg.API.RequestTimeout,
		MaxTimeout:     cfg.API.MaxRequestTimeout,
	})
	defer corr.Close()

	// 6. Command dispatcher, optionally behind the circuit breaker
	var dispatcher rest.Dispatcher = rest.CorrelatorDispatcher{Correlator: corr}
	if cfg.API.Breaker.Enabled {
		dispatcher = rest.NewBreakerDispatcher(dispatcher, rest.BreakerConfig{
			MaxFailures: cfg.API.Breaker.MaxFailures,
			Timeout:     cfg.API.Breaker.Timeout,
			Interval:    cfg.API.Breaker.Interval,
		}, log)
	}

	// 7. Servers
	gw := gateway.NewServer(reg, corr, bus, log, gateway.Config{
		Addr:           cfg.Gateway.Addr,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	})

	var keys rest.KeyStore
	if store != nil {
		keys = store
	}
	api := rest.NewServer(rest.Deps{
		Dispatcher: dispatcher,
		Registry:   reg,
		Pending:    corr,
		Gate:       gate,
		Keys:       keys,
		Frames:     gw,
		Bus:        bus,
	}, log, rest.Config{
		Addr:              cfg.API.Addr,
		AdminToken:        cfg.API.AdminToken,
		RequestTimeout:    cfg.API.RequestTimeout,
		MaxRequestTimeout: cfg.API.MaxRequestTimeout,
		MaxBodyBytes:      cfg.API.MaxBodyBytes,
		Version:           version,
	})

	// 8. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	api.Use(middleware.SecurityHeaders)
	if cfg.API.RateLimit.Enabled {
		api.Use(middleware.RateLimit(ctx, cfg.API.RateLimit.RPS, cfg.API.RateLimit.Burst))
	}

	// 9. Maintenance scheduler
	sched := maintenance.NewScheduler(log)
	sched.RegisterAction(maintenance.ActionPendingSweep, func(context.Context) error {
		corr.Sweep(cfg.Maintenance.PendingMaxAge)
		return nil
	})
	sched.RegisterAction(maintenance.ActionIdleCheck, func(ctx context.Context) error {
		reg.CheckIdle(ctx)
		return nil
	})
	tasks := []maintenance.Task{
		{Name: "pending-sweep", Schedule: cfg.Maintenance.SweepInterval, Action: maintenance.ActionPendingSweep},
		{Name: "idle-check", Schedule: cfg.Maintenance.IdleCheckInterval, Action: maintenance.ActionIdleCheck},
	}
	if store != nil {
		sched.RegisterAction(maintenance.ActionKeyPurge, func(ctx context.Context) error {
			_, err := store.PurgeRevoked(ctx, cfg.Maintenance.KeyPurgeAge)
			return err
		})
		tasks = append(tasks, maintenance.Task{
			Name: "key-purge", Schedule: cfg.Maintenance.KeyPurgeSchedule, Action: maintenance.ActionKeyPurge,
		})
	}
	for _, task := range tasks {
		if err := sched.AddTask(task); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	defer sched.Stop()

	// 10. mDNS advertisement
	if cfg.Discovery.MDNS {
		port, err := addrPort(cfg.Gateway.Addr)
		if err != nil {
			log.Warn("mdns disabled, gateway addr has no usable port", "addr", cfg.Gateway.Addr, "error", err)
		} else {
			adv := discovery.NewAdvertiser(log)
			go func() {
				meta := map[string]string{"version": version, "api": cfg.API.Addr}
				if err := adv.Advertise(ctx, cfg.Discovery.Instance, port, meta); err != nil {
					log.Warn("mdns advertise failed", "error", err)
				}
			}()
		}
	}

	// 11. Start
	log.Info("vtt-relay starting",
		"version", version,
		"gateway_addr", cfg.Gateway.Addr,
		"api_addr", cfg.API.Addr,
		"auth_schemes", gate.SchemeNames(),
		"breaker", cfg.API.Breaker.Enabled,
		"rate_limit", cfg.API.RateLimit.Enabled,
	)

	errCh := make(chan error, 2)
	go func() {
		if err := gw.Start(ctx); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := api.Start(ctx); err != nil {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		log.Warn("gateway shutdown", "error", err)
	}
	return nil
}

func configPath() string {
	// Check --config flag in os.Args.
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("VTTRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// addrPort extracts the port from a listen address like ":8090".
func addrPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("no usable port in %q", addr)
	}
	return port, nil
}

func runDaemon() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: vtt-relay daemon <install|uninstall|status>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "install":
		cfg := daemon.DefaultConfig()
		cfg.ConfigPath = configPath()
		if err := cfg.Validate(); err != nil {
			return err
		}
		return daemon.Install(cfg)
	case "uninstall":
		return daemon.Uninstall("vtt-relay")
	case "status":
		status, err := daemon.Status("vtt-relay")
		if err != nil {
			return err
		}
		if status.Running {
			fmt.Printf("vtt-relay is running (PID %d)\n", status.PID)
		} else {
			fmt.Println("vtt-relay is not running")
		}
		return nil
	default:
		return fmt.Errorf("unknown daemon command: %s (want: install, uninstall, status)", os.Args[2])
	}
}

// runKeys manages the key store directly, so keys can be provisioned before
// the relay itself runs or while the keystore scheme is still disabled.
func runKeys() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: vtt-relay keys <create|list|revoke> [args]")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Auth.Keystore.Path), 0o700); err != nil {
		return fmt.Errorf("keystore dir: %w", err)
	}
	store, err := keystore.NewSQLiteKeyStore(cfg.Auth.Keystore.Path)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	switch os.Args[2] {
	case "create":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: vtt-relay keys create <name>")
		}
		name := strings.Join(os.Args[3:], " ")
		key, raw, err := store.Create(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("Created key %s (%s)\n\n    %s\n\nStore it now; the key is shown only once.\n", key.ID, key.Name, raw)
		return nil
	case "list":
		keys, err := store.List(ctx)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No keys.")
			return nil
		}
		for _, k := range keys {
			state := "active"
			if k.RevokedAt != nil {
				state = "revoked " + k.RevokedAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  %s  %s  %s\n", k.ID, k.CreatedAt.Format(time.RFC3339), state, k.Name)
		}
		return nil
	case "revoke":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: vtt-relay keys revoke <id>")
		}
		if err := store.Revoke(ctx, os.Args[3]); err != nil {
			return err
		}
		fmt.Printf("Revoked %s\n", os.Args[3])
		return nil
	default:
		return fmt.Errorf("unknown keys command: %s (want: create, list, revoke)", os.Args[2])
	}
}
