// Command syncd is the daemon process for n1sync: it holds a vault open and
// periodically pushes and pulls against a configured list of peers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/n1/n1sync/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	// DefaultConfigPath is the default path for the syncd configuration file.
	DefaultConfigPath = "~/.config/n1/syncd.yaml"
	// DefaultPIDFile is the default path for the syncd PID file.
	DefaultPIDFile = "~/.local/share/n1/syncd/syncd.pid"

	version = "0.1.0-dev"
)

// PeerConfig names one peer this daemon exchanges records with.
type PeerConfig struct {
	URL          string `mapstructure:"url"`
	ClientCertID string `mapstructure:"client_cert_id"`
	ServerCertID string `mapstructure:"server_cert_id"`
	Filter       string `mapstructure:"filter"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Push         bool   `mapstructure:"push"`
	Pull         bool   `mapstructure:"pull"`
}

// Config is syncd's full runtime configuration, loaded from the YAML file at
// ConfigPath and then overridden by any CLI flags the operator set explicitly.
type Config struct {
	ConfigPath   string
	VaultPath    string        `mapstructure:"vault_path"`
	PIDFile      string        `mapstructure:"pid_file"`
	LogLevel     string        `mapstructure:"log_level"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	Peers        []PeerConfig  `mapstructure:"peers"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ConfigPath:   expandPath(DefaultConfigPath),
		VaultPath:    "",
		PIDFile:      expandPath(DefaultPIDFile),
		LogLevel:     "info",
		MetricsAddr:  ":9090",
		ChunkSize:    500,
		SyncInterval: 5 * time.Minute,
		Peers:        nil,
	}
}

func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadConfig reads the YAML file at cfg.ConfigPath into cfg, leaving any
// field the file doesn't mention at its current (default or flag-supplied)
// value. A missing config file is not an error: syncd can run from flags
// alone.
func loadConfig(cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(cfg.ConfigPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", cfg.ConfigPath).Msg("syncd: no config file, using flags and defaults")
			return nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", cfg.ConfigPath, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cfg.ConfigPath, err)
	}
	return nil
}

func writePIDFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func runDaemon(config Config) error {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		log.SetLevel(zerolog.InfoLevel)
		log.Error().Err(err).Str("level", config.LogLevel).Msg("syncd: invalid log level, defaulting to info")
	} else {
		log.SetLevel(level)
	}

	if config.VaultPath == "" {
		return fmt.Errorf("vault path must be provided")
	}
	config.VaultPath = expandPath(config.VaultPath)
	config.PIDFile = expandPath(config.PIDFile)

	if err := writePIDFile(config.PIDFile); err != nil {
		log.Error().Err(err).Str("path", config.PIDFile).Msg("syncd: failed to write PID file")
	}
	defer func() {
		if err := removePIDFile(config.PIDFile); err != nil {
			log.Error().Err(err).Msg("syncd: failed to remove PID file on exit")
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := newDaemonMetrics(config.VaultPath, config.PIDFile, registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: config.MetricsAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", config.MetricsAddr).Msg("syncd: serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("syncd: metrics server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		log.Info().Str("signal", sig.String()).Msg("syncd: received signal, shutting down")
		cancel()
	}()

	scheduler := cron.New()
	for i := range config.Peers {
		peer := config.Peers[i]
		runOnce := func() {
			if err := runPeerSync(ctx, config, peer, metrics); err != nil {
				log.Error().Err(err).Str("peer", peer.URL).Msg("syncd: scheduled sync failed")
			}
		}
		spec := fmt.Sprintf("@every %s", config.SyncInterval.String())
		if _, err := scheduler.AddFunc(spec, runOnce); err != nil {
			return fmt.Errorf("failed to schedule peer %s: %w", peer.URL, err)
		}
		log.Info().Str("peer", peer.URL).Str("schedule", spec).Msg("syncd: peer scheduled")
	}
	scheduler.Start()
	defer scheduler.Stop()

	log.Info().Str("vault_path", config.VaultPath).Int("peer_count", len(config.Peers)).Msg("syncd: running")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("syncd: metrics server shutdown failed")
	}

	log.Info().Msg("syncd: stopped")
	return nil
}

func main() {
	config := DefaultConfig()

	app := &cli.App{
		Name:  "syncd",
		Usage: "n1sync peer synchronization daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the syncd YAML config file",
				Value:       config.ConfigPath,
				Destination: &config.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "vault",
				Aliases:     []string{"v"},
				Usage:       "Path to the vault file",
				Destination: &config.VaultPath,
			},
			&cli.StringFlag{
				Name:        "pid-file",
				Aliases:     []string{"p"},
				Usage:       "Path to the PID file",
				Destination: &config.PIDFile,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Logging level (debug, info, warn, error)",
				Destination: &config.LogLevel,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "Address to serve Prometheus metrics on",
				Destination: &config.MetricsAddr,
			},
			&cli.DurationFlag{
				Name:        "sync-interval",
				Aliases:     []string{"i"},
				Usage:       "Interval between automatic sync runs against each peer",
				Destination: &config.SyncInterval,
			},
			&cli.IntFlag{
				Name:        "chunk-size",
				Usage:       "Default chunk size for peers that don't set one",
				Destination: &config.ChunkSize,
			},
		},
		Action: func(c *cli.Context) error {
			defaults := DefaultConfig()
			flagsSet := map[string]bool{}
			for _, name := range []string{"vault", "pid-file", "log-level", "metrics-addr", "sync-interval", "chunk-size"} {
				flagsSet[name] = c.IsSet(name)
			}

			if err := loadConfig(&config); err != nil {
				return err
			}

			// Flags the operator set explicitly on this invocation win over
			// whatever the config file said; unset flags keep the config
			// file's value (or the default, if the file didn't set it either).
			if flagsSet["vault"] {
				config.VaultPath = c.String("vault")
			} else if config.VaultPath == "" {
				config.VaultPath = defaults.VaultPath
			}
			if flagsSet["pid-file"] {
				config.PIDFile = c.String("pid-file")
			} else if config.PIDFile == "" {
				config.PIDFile = defaults.PIDFile
			}
			if flagsSet["log-level"] {
				config.LogLevel = c.String("log-level")
			} else if config.LogLevel == "" {
				config.LogLevel = defaults.LogLevel
			}
			if flagsSet["metrics-addr"] {
				config.MetricsAddr = c.String("metrics-addr")
			} else if config.MetricsAddr == "" {
				config.MetricsAddr = defaults.MetricsAddr
			}
			if flagsSet["sync-interval"] {
				config.SyncInterval = c.Duration("sync-interval")
			} else if config.SyncInterval == 0 {
				config.SyncInterval = defaults.SyncInterval
			}
			if flagsSet["chunk-size"] {
				config.ChunkSize = c.Int("chunk-size")
			} else if config.ChunkSize == 0 {
				config.ChunkSize = defaults.ChunkSize
			}

			return runDaemon(config)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
