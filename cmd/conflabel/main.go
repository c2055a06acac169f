// Command conflabel reads confidentiality labels from MPEG transport
// streams and opens network egress only while valid labels keep arriving.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/conflabel/internal/audit"
	"github.com/zsiec/conflabel/internal/config"
	"github.com/zsiec/conflabel/internal/gate"
	"github.com/zsiec/conflabel/internal/ingest"
	srtingest "github.com/zsiec/conflabel/internal/ingest/srt"
	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/internal/metrics"
	"github.com/zsiec/conflabel/internal/pipeline"
	"github.com/zsiec/conflabel/internal/stream"
	"github.com/zsiec/conflabel/internal/watchdog"
)

var version = "dev"

type flags struct {
	config    string
	input     string
	output    string
	limit     int
	filter    string
	srtAddr   string
	srtPull   string
	gate      string
	auditDB   string
	metrics   string
	threshold int
	version   bool
}

func parseFlags(args []string) (*flags, *flag.FlagSet, error) {
	f := &flags{}
	fs := flag.NewFlagSet("conflabel", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "TOML configuration file")
	fs.StringVar(&f.input, "i", "", "input MPEG transport stream file (default: stdin)")
	fs.StringVar(&f.output, "o", "", "output file for decoded labels (default: stdout)")
	fs.IntVar(&f.limit, "n", 0, "stop after this many labels, 0 reads all")
	fs.StringVar(&f.filter, "r", "", "regexp a label must match to keep egress open")
	fs.StringVar(&f.srtAddr, "srt", "", "accept SRT publishers on this address instead of reading -i")
	fs.StringVar(&f.srtPull, "srt-pull", "", "pull a feed from this SRT listener address")
	fs.StringVar(&f.gate, "gate", "", "egress gate: iptables, log or none")
	fs.StringVar(&f.auditDB, "audit", "", "sqlite database recording labels and gate decisions")
	fs.StringVar(&f.metrics, "metrics", "", "serve Prometheus metrics on this address")
	fs.IntVar(&f.threshold, "threshold", 0, "milliseconds without a label before egress is blocked")
	fs.BoolVar(&f.version, "version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs, nil
}

// loadConfig layers the explicitly set flags over file and environment.
func loadConfig(f *flags, fs *flag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.config)
	if err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "i":
			cfg.Input = f.input
		case "o":
			cfg.Output = f.output
		case "n":
			cfg.Limit = f.limit
		case "r":
			cfg.Filter = f.filter
		case "srt":
			cfg.SRTAddr = f.srtAddr
		case "gate":
			cfg.Gate = f.gate
		case "audit":
			cfg.AuditDB = f.auditDB
		case "metrics":
			cfg.MetricsAddr = f.metrics
		case "threshold":
			cfg.ThresholdMS = f.threshold
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	f, fs, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if f.version {
		fmt.Println("conflabel", version)
		return 0
	}
	cfg, err := loadConfig(f, fs)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	m := metrics.New()
	g, db, err := buildGate(cfg, m)
	if err != nil {
		slog.Error("cannot set up gate", "error", err)
		return 1
	}
	if db != nil {
		defer db.Close()
	}
	// egress stays closed once nobody is watching labels, whatever the
	// reason for leaving
	defer func() {
		if err := g.Deny(); err != nil {
			slog.Error("deny on exit failed", "error", err)
		}
	}()

	live := cfg.SRTAddr != "" || f.srtPull != ""
	var input io.ReadCloser
	if !live {
		if input, err = openInput(cfg.Input); err != nil {
			slog.Error("cannot open input", "error", err)
			return 1
		}
		defer input.Close()
	}
	output, err := openOutput(cfg.Output)
	if err != nil {
		slog.Error("cannot open output", "error", err)
		return 1
	}
	defer output.Close()

	filter, err := cfg.FilterRegexp()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 1
	}

	slog.Info("conflabel starting", "version", version, "gate", cfg.Gate,
		"threshold", cfg.Threshold(), "filter", cfg.Filter)

	wd := watchdog.New(g,
		watchdog.WithThreshold(cfg.Threshold()),
		watchdog.WithPollInterval(cfg.PollInterval()),
		watchdog.WithLogger(slog.Default()),
	)
	m.WatchState(wd)
	defer wd.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		mctx, stopMetrics := context.WithCancel(ctx)
		metricsDone := make(chan struct{})
		go func() {
			defer close(metricsDone)
			if err := m.Serve(mctx, cfg.MetricsAddr, nil); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			stopMetrics()
			<-metricsDone
		}()
	}

	pcfg := pipeline.Config{
		Filter:           filter,
		Limit:            cfg.Limit,
		DiscoveryPackets: cfg.DiscoveryPackets,
		Logger:           slog.Default(),
	}
	recorders := pipeline.Recorders{m}
	if db != nil {
		recorders = append(recorders, db)
	}
	pcfg.Recorder = recorders
	sessionOpts := sessionOptions(cfg)

	if live {
		if err := runLive(ctx, cfg, f.srtPull, stream.Config{
			Pipeline: pcfg,
			Session:  sessionOpts,
			Watchdog: wd,
			Sink:     output,
		}); err != nil {
			slog.Error("live ingest failed", "error", err)
			return 1
		}
		return 0
	}

	name := inputName(cfg.Input)
	pcfg.Name = name
	res, err := pipeline.New(pcfg, labeldemux.New(sessionOpts...), wd, output).Run(ctx, input)
	switch {
	case errors.Is(err, pipeline.ErrNoLabelStream):
		slog.Warn("No label in motion imagery file, " + name)
	case err != nil:
		slog.Error("reading input failed", "input", name, "error", err)
	}
	slog.Info("Labels read", "count", res.LabelsRead, "matched", res.LabelsMatched)
	slog.Info("TS Packets read", "count", res.PacketsRead,
		"sync_losses", res.Session.Reader.SyncLosses,
		"continuity_errors", res.Session.Reader.ContinuityErrors,
		"decode_errors", res.Session.DecodeErrors)
	if err != nil && !errors.Is(err, pipeline.ErrNoLabelStream) {
		return 1
	}
	return 0
}

func runLive(ctx context.Context, cfg *config.Config, pullAddr string, scfg stream.Config) error {
	mgr := stream.NewManager(scfg, nil)

	g, ctx := errgroup.WithContext(ctx)

	registry := ingest.NewRegistry(func(feed *ingest.Feed) {
		if _, err := mgr.Run(ctx, feed.Key, feed.Reader()); err != nil {
			slog.Warn("feed stopped", "feed", feed.Key, "error", err)
			feed.CloseReader(err)
		}
	})

	if pullAddr != "" {
		caller := srtingest.NewCaller(registry, nil)
		if err := caller.Pull(ctx, srtingest.PullRequest{Address: pullAddr}); err != nil {
			return err
		}
		g.Go(func() error {
			caller.Wait()
			// a single pulled feed ending ends the run unless we also listen
			if cfg.SRTAddr == "" {
				return errPullEnded
			}
			<-ctx.Done()
			return nil
		})
	}
	if cfg.SRTAddr != "" {
		srv := srtingest.NewServer(cfg.SRTAddr, registry, nil)
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	err := g.Wait()
	registry.Wait()
	t := mgr.Totals()
	slog.Info("Labels read", "count", t.LabelsRead, "matched", t.LabelsMatched, "feeds", t.Streams)
	slog.Info("TS Packets read", "count", t.PacketsRead)
	if errors.Is(err, errPullEnded) {
		return nil
	}
	return err
}

var errPullEnded = errors.New("pull ended")

// buildGate returns the configured gate wrapped for metrics and, when an
// audit database is set, for auditing. If the audit database cannot be
// opened the gate is denied before the error is returned.
func buildGate(cfg *config.Config, m *metrics.Metrics) (watchdog.Gate, *audit.DB, error) {
	var g watchdog.Gate
	switch cfg.Gate {
	case config.GateIptables:
		ipt, err := gate.NewIptables(gate.IptablesConfig{
			Path:  cfg.IptablesPath,
			Chain: cfg.IptablesChain,
			Log:   slog.Default(),
		})
		if err != nil {
			return nil, nil, err
		}
		g = ipt
	case config.GateLog:
		g = gate.Log{}
	default:
		g = gate.Nop{}
	}
	g = m.Gate(g)
	if cfg.AuditDB == "" {
		return g, nil, nil
	}
	db, err := audit.Open(cfg.AuditDB)
	if err != nil {
		if derr := g.Deny(); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, nil, err
	}
	return db.Gate(g), db, nil
}

func sessionOptions(cfg *config.Config) []labeldemux.Option {
	opts := []labeldemux.Option{
		labeldemux.WithLogger(slog.Default()),
		labeldemux.WithPacketSize(cfg.PacketSize),
		labeldemux.WithLabelStreamMatcher(cfg.Matcher()),
	}
	if cfg.ProgramNumber > 0 {
		opts = append(opts, labeldemux.WithProgramNumber(uint16(cfg.ProgramNumber)))
	}
	return opts
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fail to open file %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

func inputName(path string) string {
	if path == "" || path == "-" {
		return "stdin"
	}
	return filepath.Base(path)
}
