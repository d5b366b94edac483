// Command falafel runs the rollup world-state synchronizer: it recovers
// local tree/relational state at startup, reconciles incoming blocks from a
// chain source against whatever the local pipeline has staged, and
// constructs the Operator surface. No RPC transport serves that surface.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rollupchain/falafel/blockcache"
	"github.com/rollupchain/falafel/chainsource"
	"github.com/rollupchain/falafel/crypto"
	"github.com/rollupchain/falafel/domain"
	"github.com/rollupchain/falafel/initfiles"
	"github.com/rollupchain/falafel/log"
	"github.com/rollupchain/falafel/metricssink"
	"github.com/rollupchain/falafel/operator"
	"github.com/rollupchain/falafel/pipeline"
	"github.com/rollupchain/falafel/rollupdb"
	"github.com/rollupchain/falafel/treestore"
	"github.com/rollupchain/falafel/worldstate"
)

// version and commit are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// Config holds the process-level settings derived from CLI flags.
type Config struct {
	DataDir        string
	ChainID        uint64
	MetricsAddr    string
	Metrics        bool
	Verbosity      int
	LogFormat      string
	TrackPreimages bool
}

// DefaultConfig returns the Config used when no flags override it.
func DefaultConfig() Config {
	return Config{
		DataDir:     defaultDataDir(),
		ChainID:     1,
		LogFormat:   "json",
		MetricsAddr: ":9100",
		Verbosity:   3,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".falafel"
	}
	return filepath.Join(home, ".falafel")
}

// Validate rejects configurations the synchronizer cannot start with.
func (c Config) Validate() error {
	if c.ChainID == 0 {
		return errors.New("chainid must be nonzero")
	}
	if c.DataDir == "" {
		return errors.New("datadir must be set")
	}
	return nil
}

// InitDataDir creates the data directory if it doesn't already exist.
func (c Config) InitDataDir() error {
	return os.MkdirAll(c.DataDir, 0o755)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the testable entry point: it never calls os.Exit itself.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	log.SetDefault(newCLILogger(cfg))
	l := log.Default().Module("cmd")
	l.Info("falafel starting", "version", version, "commit", commit, "chainId", cfg.ChainID, "datadir", cfg.DataDir)

	if err := cfg.Validate(); err != nil {
		l.Error("invalid configuration", "err", err)
		return 1
	}
	if err := cfg.InitDataDir(); err != nil {
		l.Error("failed to initialize data directory", "err", err)
		return 1
	}

	trees := treestore.New(treestore.Config{Dir: filepath.Join(cfg.DataDir, "trees")})

	db, err := rollupdb.Open(rollupdb.Config{Path: filepath.Join(cfg.DataDir, "rollup.db")})
	if err != nil {
		l.Error("failed to open relational store", "err", err)
		return 1
	}
	defer db.Close()

	// The chain source is an external collaborator (§4.7): this process
	// does not bind to a specific deployed rollup contract's ABI or event
	// log format, since the specification defines the synchronizer's
	// reconciliation logic against the chain source interface, not against
	// any one on-chain encoding. chainsource.Memory is the concrete
	// implementation wired here; a production deployment supplies its own
	// chainsource.Source satisfying the same interface.
	chain := chainsource.NewMemory(cfg.ChainID)

	var sink metricssink.Sink = metricssink.NoOp{}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		prom := metricssink.NewPrometheus(reg)
		sink = prom
		go serveMetrics(cfg.MetricsAddr, reg, l)
	}

	var tracker *crypto.PreimageTracker
	if cfg.TrackPreimages {
		tracker = crypto.NewPreimageTracker()
	}

	sync := worldstate.New(worldstate.Config{
		ChainID:         cfg.ChainID,
		Trees:           trees,
		DB:              db,
		Chain:           chain,
		Cache:           blockcache.New(),
		Metrics:         sink,
		InitReader:      initfiles.FileReader{Dir: filepath.Join(cfg.DataDir, "init")},
		PreimageTracker: tracker,
		PipelineConfig:  pipeline.DefaultConfig(),
		// Proof construction (the SNARK circuit prover) is an external
		// collaborator the specification leaves abstract; until one is
		// wired in, noopBuilder lets the pipeline run its timing and
		// tx-pool logic without producing a publishable proof.
		Builder: noopBuilder{},
	})
	if err := sync.Start(); err != nil {
		l.Error("failed to start synchronizer", "err", err)
		return 1
	}

	op := operator.New(sync)
	_ = op

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	l.Info("received signal, shutting down", "signal", sig.String())

	if err := sync.Stop(); err != nil {
		l.Error("error during shutdown", "err", err)
		return 1
	}
	l.Info("shutdown complete")
	return 0
}

func serveMetrics(addr string, reg *prometheus.Registry, l *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		l.Error("metrics server exited", "err", err)
	}
}

func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// newCLILogger builds the process's default logger. json (the default)
// produces newline-delimited JSON via slog directly; text and color render
// through log.LogFormatter implementations meant for interactive terminals.
func newCLILogger(cfg Config) *log.Logger {
	level := log.LevelFromString(slogLevelName(verbosityToLevel(cfg.Verbosity)))
	switch cfg.LogFormat {
	case "text":
		return log.NewWithFormatter(os.Stderr, &log.TextFormatter{}, level)
	case "color":
		return log.NewWithFormatter(os.Stderr, &log.ColorFormatter{}, level)
	default:
		return log.New(verbosityToLevel(cfg.Verbosity))
	}
}

func slogLevelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "debug"
	case l < slog.LevelWarn:
		return "info"
	case l < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}

// noopBuilder is a placeholder pipeline.Builder: it produces no proof. It is
// replaced by a real prover integration before this binary publishes
// rollups.
type noopBuilder struct{}

func (noopBuilder) Build(rollupID uint64, dataStartIndex uint64, txs []*domain.TxDao) (*domain.RollupProofData, [][]byte, error) {
	return nil, nil, nil
}

func parseFlags(args []string) (Config, bool, int) {
	cfg := DefaultConfig()
	fs := newFlagSet(&cfg)
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}
	if *showVersion {
		fmt.Printf("falafel %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}
	return cfg, false, 0
}

func newFlagSet(cfg *Config) *flagSet {
	fs := newCustomFlagSet("falafel")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory path")
	fs.Uint64Var(&cfg.ChainID, "chainid", cfg.ChainID, "chain identifier")
	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", cfg.MetricsAddr, "prometheus metrics listen address")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable prometheus metrics")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level 1-4 (1=error, 2=warn, 3=info, 4=debug)")
	fs.StringVar(&cfg.LogFormat, "log.format", cfg.LogFormat, "log output format: json, text, or color")
	fs.BoolVar(&cfg.TrackPreimages, "debug.preimages", cfg.TrackPreimages, "record claim note commitment/nullifier preimages for operator lookup")
	return fs
}
