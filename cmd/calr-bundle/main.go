// calr-bundle turns event log files into signed, encrypted .calr bundles
// ready for upload. Each input file is compressed, encrypted under a fresh
// session key wrapped for the server, signed with the relay key and
// published to the spool out folder. Optionally every bundle is recorded in
// a hash-chained receipt ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/karasz/calr"
	"github.com/karasz/calr/internal/config"
)

// exitError carries a process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		relayID     string
		spoolDir    string
		workers     int
		consume     bool
		ledger      string
		ledgerPath  string
		logLevel    string
		logFormat   string
		metricsFile string
		compression string
		symmetric   string
		validate    bool
	)

	flagSet := pflag.NewFlagSet("calr-bundle", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&relayID, "relay-id", "", "relay identifier written into every bundle")
	flagSet.StringVar(&spoolDir, "spool", "", "spool directory (tmp/, out/, failed/)")
	flagSet.IntVar(&workers, "workers", 0, "files bundled concurrently")
	flagSet.BoolVar(&consume, "consume", false, "delete sources after bundling, move failures to the failed folder")
	flagSet.StringVar(&ledger, "ledger", "", "receipt ledger backend: none, file or sqlite")
	flagSet.StringVar(&ledgerPath, "ledger-path", "", "ledger directory (file) or database (sqlite)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json")
	flagSet.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
	flagSet.StringVar(&compression, "compression", "", "compression algorithm ("+strings.Join(calr.DefaultCompressors().Names(), ", ")+")")
	flagSet.StringVar(&symmetric, "symmetric", "", "payload encryption algorithm ("+strings.Join(calr.DefaultSymmetricEncryptors().Names(), ", ")+")")
	flagSet.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("relay-id") {
		cfg.RelayID = relayID
	}
	if flagSet.Changed("spool") {
		cfg.SpoolDir = spoolDir
	}
	if flagSet.Changed("workers") {
		cfg.Workers = workers
	}
	if flagSet.Changed("consume") {
		cfg.ConsumeSources = consume
	}
	if flagSet.Changed("ledger") {
		cfg.Ledger.Backend = ledger
	}
	if flagSet.Changed("ledger-path") {
		cfg.Ledger.Path = ledgerPath
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flagSet.Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}
	if flagSet.Changed("compression") {
		cfg.Algorithms.CompressionAlgorithm = compression
	}
	if flagSet.Changed("symmetric") {
		cfg.Algorithms.SymmetricEncryptionAlgorithm = symmetric
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if validate {
		return nil
	}

	inputs := flagSet.Args()
	if len(inputs) == 0 {
		return &exitError{code: 2, msg: "no input files (see --help)"}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bundle(ctx, cfg, inputs, logger)
}

func bundle(ctx context.Context, cfg *config.Config, inputs []string, logger *slog.Logger) (err error) {
	relayKey, err := loadRelayKey(cfg)
	if err != nil {
		return err
	}
	serverPEM, err := os.ReadFile(cfg.Keys.ServerPublicKeyPath)
	if err != nil {
		return fmt.Errorf("read server public key: %w", err)
	}
	serverKey, err := calr.PublicKeyDERFromPEM(serverPEM)
	if err != nil {
		return fmt.Errorf("server public key: %w", err)
	}

	spool, err := calr.OpenSpool(cfg.SpoolDir)
	if err != nil {
		return err
	}
	if err := spool.Clean(); err != nil {
		logger.Warn("could not clean spool tmp folder", "err", err)
	}

	registry := prometheus.NewRegistry()
	metrics, err := calr.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if cfg.MetricsFile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(cfg.MetricsFile, registry); werr != nil {
				logger.Error("failed to write metrics", "path", cfg.MetricsFile, "err", werr)
			}
		}()
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer func() {
			if cerr := ledger.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close ledger: %w", cerr)
			}
		}()
	}

	batch := calr.NewBatchBundler(calr.BatchConfig{
		Request: calr.BundleRequest{
			RelayID:         cfg.RelayID,
			BuildVersion:    cfg.BuildVersion,
			Platform:        calr.CurrentPlatform(),
			RelayPrivateKey: relayKey,
			ServerPublicKey: serverKey,
			Options:         cfg.Algorithms,
		},
		Workers:        cfg.Workers,
		ConsumeSources: cfg.ConsumeSources,
		Ledger:         ledger,
		Metrics:        metrics,
	}, calr.NewDefaultBundler(logger), spool, logger)

	res, err := batch.Run(ctx, inputs)
	for _, out := range res.Outputs {
		fmt.Println(out)
	}
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d of %d files failed to bundle", res.Failed, len(inputs))}
	}
	return nil
}

func loadRelayKey(cfg *config.Config) ([]byte, error) {
	if !cfg.Keys.GenerateMissing {
		if _, err := os.Stat(cfg.Keys.RelayKeyPath); err != nil {
			return nil, fmt.Errorf("relay key: %w", err)
		}
	}
	return calr.LoadOrCreateRelayKey(cfg.Keys.RelayKeyPath, cfg.Keys.KeyBits)
}

func openLedger(cfg *config.Config) (*calr.Ledger, error) {
	var (
		store calr.ReceiptStore
		err   error
	)
	switch cfg.Ledger.Backend {
	case config.LedgerFile:
		store, err = calr.OpenFileStore(cfg.Ledger.Path)
	case config.LedgerSQLite:
		store, err = calr.OpenSQLiteStore(cfg.Ledger.Path)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	ledger, err := calr.OpenLedger(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return ledger, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `calr-bundle bundles event log files into signed, encrypted .calr files.

Usage:
  calr-bundle [--config file] [flags] <file>...

Configuration is read from --config, then CALR_* environment variables,
then the flags below. Finished bundle paths are printed one per line.

Flags:
%s`, flagSet.FlagUsages())
}
