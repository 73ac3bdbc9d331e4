// somad is the Soma federation broker daemon.
//
// Usage:
//
//	somad serve                        # start the broker
//	somad serve --config soma.yaml     # with a config file
//	somad migrate up                   # apply schema migrations
//	somad migrate status               # show migration state
//	somad version                      # build information
//	somad health                       # probe a running broker
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/somatica/soma/config"
	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/internal/telemetry"
)

// Build identity, injected through ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting somad",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	keys, err := loadOrCreateKeys(cfg.Broker.KeyFile, logger)
	if err != nil {
		logger.Fatal("broker key unavailable", zap.Error(err))
	}

	otelProviders, err := telemetry.Init(cfg.Telemetry, cfg.Broker.BrokerID, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
	}

	srv := NewServer(cfg, *configPath, keys, otelProviders, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	srv.WaitForShutdown()
	logger.Info("somad stopped")
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:7420", "Broker address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("somad %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`somad - Soma federation broker

Usage:
  somad <command> [options]

Commands:
  serve     Start the broker daemon
  migrate   Schema migration commands
  version   Show version information
  health    Check broker health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up          Apply all pending migrations
  migrate down        Roll back the last migration
  migrate down-all    Roll back everything
  migrate steps <n>   Apply n migrations (negative rolls back)
  migrate goto <v>    Migrate to an exact version
  migrate force <v>   Overwrite the recorded version
  migrate version     Show current version
  migrate status      Show per-migration status
  migrate info        Show applied and pending counts

Examples:
  somad serve
  somad serve --config /etc/soma/soma.yaml
  somad migrate up
  somad migrate status
  somad health --addr http://localhost:7420
  somad version`)
}

// initLogger builds the zap logger from the log section. A broken
// configuration falls back to production defaults rather than dying
// before the first log line.
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// loadOrCreateKeys resolves the broker's Ed25519 identity. The key
// file holds a hex-encoded 32-byte seed; a missing file is created on
// first boot. No file configured means an ephemeral identity, which
// breaks peer key pinning across restarts.
func loadOrCreateKeys(keyFile string, logger *zap.Logger) (*envelope.KeyPair, error) {
	if keyFile == "" {
		logger.Warn("no key_file configured, broker identity is ephemeral")
		return envelope.GenerateKeyPair()
	}

	data, err := os.ReadFile(keyFile)
	if err == nil {
		seed, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil {
			return nil, fmt.Errorf("key file %s: %w", keyFile, decodeErr)
		}
		return envelope.KeyPairFromSeed(seed)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file %s: %w", keyFile, err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating seed: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file %s: %w", keyFile, err)
	}

	logger.Info("generated broker key", zap.String("key_file", keyFile))
	return envelope.KeyPairFromSeed(seed)
}
