// Package cli builds the gateway's cobra command tree.
//
// Command structure:
//
//	ofd-gateway
//	├── run        # start the gateway (HTTP API, sync loop, heartbeat)
//	│   └── --config, -c
//	├── status     # query a running gateway's health endpoint
//	│   └── --addr
//	└── --version
//
// Configuration is a YAML file (default: configs/default.yaml) covering the
// buffer, ledger paths, breaker and heartbeat thresholds, sync engine
// tunables, printer and OFD endpoints, the optional Redis lock backend, the
// refund policy, and the listen port.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fiscaledge/ofd-gateway/internal/breaker"
	"github.com/fiscaledge/ofd-gateway/internal/heartbeat"
	"github.com/fiscaledge/ofd-gateway/internal/hlc"
	"github.com/fiscaledge/ofd-gateway/internal/ledger"
	"github.com/fiscaledge/ofd-gateway/internal/lock"
	"github.com/fiscaledge/ofd-gateway/internal/metrics"
	"github.com/fiscaledge/ofd-gateway/internal/ofd"
	"github.com/fiscaledge/ofd-gateway/internal/printer"
	"github.com/fiscaledge/ofd-gateway/internal/refund"
	"github.com/fiscaledge/ofd-gateway/internal/server"
	"github.com/fiscaledge/ofd-gateway/internal/syncer"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// Config maps the YAML config file.
type Config struct {
	NodeID string `yaml:"node_id"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Buffer struct {
		Capacity     int    `yaml:"capacity"`
		WALPath      string `yaml:"wal_path"`
		SnapshotPath string `yaml:"snapshot_path"`
	} `yaml:"buffer"`

	Sync struct {
		BatchSize          int `yaml:"batch_size"`
		RetryCeiling       int `yaml:"retry_ceiling"`
		BaseIntervalMs     int `yaml:"base_interval_ms"`
		MaxIntervalSeconds int `yaml:"max_interval_seconds"`
		CheckpointSeconds  int `yaml:"checkpoint_interval_seconds"`
	} `yaml:"sync"`

	Breaker struct {
		FailureThreshold int `yaml:"failure_threshold"`
		SuccessThreshold int `yaml:"success_threshold"`
		CooldownSeconds  int `yaml:"cooldown_seconds"`
	} `yaml:"breaker"`

	Heartbeat struct {
		IntervalSeconds     int `yaml:"interval_seconds"`
		ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
		OnlineAfter         int `yaml:"online_after"`
		OfflineAfter        int `yaml:"offline_after"`
	} `yaml:"heartbeat"`

	OFD struct {
		BaseURL        string `yaml:"base_url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ofd"`

	Printer struct {
		BaseURL   string `yaml:"base_url"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"printer"`

	Lock struct {
		RedisAddr     string `yaml:"redis_addr"` // empty disables cross-instance locking
		RedisPassword string `yaml:"redis_password"`
		Name          string `yaml:"name"`
		TTLSeconds    int    `yaml:"ttl_seconds"`
	} `yaml:"lock"`

	Refund struct {
		OnLookupError string `yaml:"on_lookup_error"` // block (default) or allow
	} `yaml:"refund"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error
	} `yaml:"log"`
}

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ofd-gateway",
		Short: "Edge fiscal gateway between the point of sale and the OFD",
		Long: `ofd-gateway fiscalizes sales at the edge:
- commit-and-print keeps the register moving through OFD outages
- a WAL-backed buffer survives crashes and power loss
- a background sweep forwards buffered receipts once connectivity returns`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		Long:  "Start the HTTP API, sync engine, and heartbeat monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runGateway(cfg)
		},
	}
}

func runGateway(cfg *Config) error {
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	clock := hlc.New(hlc.WithNode(cfg.NodeID))

	led, err := ledger.Open(ledger.Config{
		WALPath:      cfg.Buffer.WALPath,
		SnapshotPath: cfg.Buffer.SnapshotPath,
		Capacity:     cfg.Buffer.Capacity,
	}, clock)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	snap := led.Snapshot()
	logger.Info("ledger recovered",
		"pending", snap.Pending,
		"failed", snap.Failed,
		"dead_letters", snap.DeadLetters,
		"percent_full", snap.PercentFull)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
	})

	var locker lock.Locker = lock.Nop{}
	if cfg.Lock.RedisAddr != "" {
		redisLocker := lock.NewRedis(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword)
		defer redisLocker.Close()
		locker = redisLocker
		logger.Info("distributed lock enabled", "redis_addr", cfg.Lock.RedisAddr)
	} else {
		logger.Info("distributed lock disabled, single-instance mode")
	}

	ofdClient := ofd.New(ofd.Config{
		BaseURL: cfg.OFD.BaseURL,
		Token:   cfg.OFD.Token,
		Timeout: time.Duration(cfg.OFD.TimeoutSeconds) * time.Second,
	})
	printDriver := printer.NewHTTPDriver(cfg.Printer.BaseURL, time.Duration(cfg.Printer.TimeoutMs)*time.Millisecond)

	collector := metrics.NewCollector()

	engine := syncer.New(syncer.Config{
		BatchSize:          cfg.Sync.BatchSize,
		RetryCeiling:       cfg.Sync.RetryCeiling,
		BaseInterval:       time.Duration(cfg.Sync.BaseIntervalMs) * time.Millisecond,
		MaxInterval:        time.Duration(cfg.Sync.MaxIntervalSeconds) * time.Second,
		LockName:           cfg.Lock.Name,
		LockTTL:            time.Duration(cfg.Lock.TTLSeconds) * time.Second,
		CheckpointInterval: time.Duration(cfg.Sync.CheckpointSeconds) * time.Second,
	}, led, printDriver, ofdClient, brk, locker, collector, logger)

	monitor := heartbeat.New(heartbeat.Config{
		Interval:     time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second,
		ProbeTimeout: time.Duration(cfg.Heartbeat.ProbeTimeoutSeconds) * time.Second,
		OnlineAfter:  cfg.Heartbeat.OnlineAfter,
		OfflineAfter: cfg.Heartbeat.OfflineAfter,
	}, ofdClient, logger)

	gate := refund.New(led, refund.LookupErrorPolicy(cfg.Refund.OnLookupError), logger)

	srv := server.New(engine, led, gate, monitor, brk, collector, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		engine.Run(ctx)
	}()
	go monitor.Run(ctx)

	httpDone := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		httpDone <- httpServer.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	// Shutdown order: stop accepting requests, stop the loops, then close
	// the ledger so the final checkpoint sees the last state.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	cancel()
	<-loopsDone

	if err := led.Close(); err != nil {
		logger.Error("failed to close ledger", "error", err)
		return err
	}

	logger.Info("gateway stopped")
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running gateway's health",
		Long:  "Query the health endpoint of a running gateway and print the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "gateway base URL")
	return cmd
}

func showStatus(addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var snap types.HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	fmt.Println("Gateway status")
	fmt.Printf("  Buffer:     %d/%d (%.1f%% full)\n",
		snap.Buffer.Buffered(), snap.Buffer.Capacity, snap.Buffer.PercentFull)
	fmt.Printf("    pending:      %d\n", snap.Buffer.Pending)
	fmt.Printf("    failed:       %d\n", snap.Buffer.Failed)
	fmt.Printf("    synced:       %d\n", snap.Buffer.Synced)
	fmt.Printf("    dead letters: %d\n", snap.Buffer.DeadLetters)
	fmt.Printf("    unprinted:    %d\n", snap.Buffer.Unprinted)
	fmt.Printf("  Breaker:    %s\n", snap.Breaker)
	fmt.Printf("  Heartbeat:  %s\n", snap.Heartbeat)
	if snap.LastProbeTime != nil {
		fmt.Printf("  Last probe: %s\n", snap.LastProbeTime.Format(time.RFC3339))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns the documented gateway defaults; the YAML file only
// needs to override what differs.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Buffer.Capacity = 200
	cfg.Buffer.WALPath = "data/ledger.wal"
	cfg.Buffer.SnapshotPath = "data/ledger.snapshot"
	cfg.Sync.BatchSize = 50
	cfg.Sync.RetryCeiling = 20
	cfg.Sync.BaseIntervalMs = 1000
	cfg.Sync.MaxIntervalSeconds = 60
	cfg.Sync.CheckpointSeconds = 300
	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.SuccessThreshold = 2
	cfg.Breaker.CooldownSeconds = 60
	cfg.Heartbeat.IntervalSeconds = 30
	cfg.Heartbeat.ProbeTimeoutSeconds = 5
	cfg.Heartbeat.OnlineAfter = 2
	cfg.Heartbeat.OfflineAfter = 3
	cfg.OFD.TimeoutSeconds = 10
	cfg.Printer.BaseURL = "http://localhost:9100"
	cfg.Printer.TimeoutMs = 5000
	cfg.Lock.Name = "sync-sweep"
	cfg.Lock.TTLSeconds = 90
	cfg.Refund.OnLookupError = "block"
	cfg.Log.Level = "info"
	return cfg
}
