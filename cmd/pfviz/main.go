// pfviz replays page faults and precise cache-miss samples against the memory
// mappings of the traced process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/mrzor/pfviz/internal/config"
	"github.com/mrzor/pfviz/internal/decoder"
	"github.com/mrzor/pfviz/internal/ingest"
	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"
	"github.com/mrzor/pfviz/internal/otel"
	"github.com/mrzor/pfviz/internal/perfscript"
	"github.com/mrzor/pfviz/internal/procmaps"
	"github.com/mrzor/pfviz/internal/report"
	"github.com/mrzor/pfviz/internal/session"
	"github.com/mrzor/pfviz/internal/timesync"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// sources are the two ingestion inputs plus whatever must run alongside them.
type sources struct {
	events      ingest.EventSource
	changes     ingest.ChangeSource
	producers   []ingest.Producer
	diagnostics []func() report.Group
	cleanup     []func()
}

func (s *sources) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func (s *sources) groups() []report.Group {
	groups := make([]report.Group, 0, len(s.diagnostics))
	for _, g := range s.diagnostics {
		groups = append(groups, g())
	}
	return groups
}

// setupOTEL initializes the OTEL provider and returns a tracer and cleanup function.
func setupOTEL(zl *zap.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	tp, err := otel.InitProvider(otelCfg, fmt.Sprintf("%s (%s)", version, commit), zl.Named("otel"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			zl.Warn("error shutting down OTEL provider", zap.Error(err))
		}
	}

	return otel.Tracer(tp), cleanup, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path) //nolint:gosec // reading the trace the user pointed us at
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	return f, nil
}

// setupWatcher polls /proc/<pid>/maps into a channel-backed change source.
// The watcher stops when eventsDone is closed, if it is not nil. onExit runs
// once the watcher has stopped.
func setupWatcher(cfg *config.Config, envCfg *config.EnvConfig, zl *zap.Logger, src *sources, eventsDone <-chan struct{}, onExit func()) error {
	w, err := procmaps.NewWatcher(envCfg.ProcMount, cfg.PID,
		procmaps.WithLogger(zl.Named("procmaps")),
		procmaps.WithInterval(envCfg.MapsPollInterval),
	)
	if err != nil {
		return err
	}

	changes := make(chan model.MappingChange, envCfg.ChannelBuffer)
	src.changes = ingest.FromChan[model.MappingChange](changes)
	watch := ingest.Producer(func(ctx context.Context) error {
		defer onExit()
		return w.Run(ctx, changes)
	})
	if eventsDone != nil {
		watch = ingest.StopWhen(eventsDone, watch)
	}
	src.producers = append(src.producers, watch)
	src.diagnostics = append(src.diagnostics, func() report.Group {
		return report.WatcherCounters(w.Stats())
	})

	zl.Info("watching memory mappings", zap.Int("pid", cfg.PID), zap.Duration("interval", envCfg.MapsPollInterval))
	return nil
}

// setupSources builds the event and change sources for the configured input format.
func setupSources(ctx context.Context, cfg *config.Config, envCfg *config.EnvConfig, zl *zap.Logger) (*sources, error) {
	src := &sources{}

	switch cfg.Format {
	case config.FormatPerfScript:
		in, err := openInput(cfg.Input)
		if err != nil {
			return nil, err
		}
		src.cleanup = append(src.cleanup, func() { _ = in.Close() })

		events, changes, parser := perfscript.Split(in, cfg.Selectors,
			perfscript.WithLogger(zl.Named("perfscript")),
			perfscript.WithPID(cfg.PID),
		)
		src.events, src.changes = events, changes
		src.diagnostics = append(src.diagnostics, func() report.Group {
			return report.PerfScriptCounters(parser.Stats())
		})

	case config.FormatFrames:
		in, err := openInput(cfg.Input)
		if err != nil {
			return nil, err
		}
		src.cleanup = append(src.cleanup, func() { _ = in.Close() })

		dec := decoder.New(in, cfg.Selectors, decoder.WithLogger(zl.Named("decoder")))
		events := make(chan model.RawEvent, envCfg.ChannelBuffer)
		src.events = ingest.FromChan[model.RawEvent](events)
		eventsDone := make(chan struct{})
		src.producers = append(src.producers, func(ctx context.Context) error {
			defer close(eventsDone)
			return ingest.Pump[model.RawEvent](ctx, dec, events)
		})
		src.diagnostics = append(src.diagnostics, func() report.Group {
			return report.DecoderCounters(dec.Stats())
		})

		if cfg.PID > 0 {
			if err := setupWatcher(cfg, envCfg, zl, src, eventsDone, func() {}); err != nil {
				src.close()
				return nil, err
			}
		}

	case config.FormatRingbuf:
		m, err := ebpf.LoadPinnedMap(cfg.Input, nil)
		if err != nil {
			return nil, fmt.Errorf("loading pinned ring buffer %s: %w", cfg.Input, err)
		}
		rd, err := ringbuf.NewReader(m)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("opening ring buffer reader: %w", err)
		}
		closeReader := func() {
			if err := rd.Close(); err != nil {
				zl.Debug("error closing ring buffer", zap.Error(err))
			}
		}
		src.cleanup = append(src.cleanup, func() { _ = m.Close() }, closeReader)

		// A blocked Read only returns once the reader is closed.
		stop := context.AfterFunc(ctx, closeReader)
		src.cleanup = append(src.cleanup, func() { stop() })

		dec := decoder.NewRingbuf(rd, cfg.Selectors, decoder.WithLogger(zl.Named("decoder")))
		src.events = dec
		src.diagnostics = append(src.diagnostics, func() report.Group {
			return report.DecoderCounters(dec.Stats())
		})

		if cfg.PID > 0 {
			// The trace ends with the traced process.
			if err := setupWatcher(cfg, envCfg, zl, src, nil, closeReader); err != nil {
				src.close()
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unsupported input format %q", cfg.Format)
	}

	if src.changes == nil {
		zl.Warn("no mapping source configured, every event will be discarded; use --pid or perf-script input")
		src.changes = ingest.FromSlice[model.MappingChange]()
	}

	return src, nil
}

// wallClock labels the summary with wall-clock times when the boot time is known.
func wallClock(envCfg *config.EnvConfig, zl *zap.Logger) []report.Option {
	converter, err := timesync.NewConverter(envCfg.ProcMount)
	if err != nil {
		zl.Debug("boot time unavailable, omitting wall-clock labels", zap.Error(err))
		return nil
	}
	return []report.Option{report.WithWallClock(converter)}
}

// playFrames renders cfg.Frames headless frames, advancing playback by one
// frame interval between them.
func playFrames(sess *session.Session, cfg *config.Config, rep session.Report, w *report.Writer) error {
	if cfg.Frames == 0 || !rep.HasRange {
		return nil
	}

	if cfg.Loop {
		sess.SetMarkerStart(rep.Start)
		sess.SetMarkerEnd(rep.End)
	}
	if !cfg.Speed.Forward() {
		sess.SeekLast()
	}
	sess.Play()

	interval := cfg.FrameInterval()
	for i := 0; i < cfg.Frames; i++ {
		if err := w.Frame(sess.Frame()); err != nil {
			return err
		}
		sess.Tick(interval)
	}
	return nil
}

func run() error {
	cfg, err := config.ParseArgs(os.Args, version, commit, date)
	if err != nil {
		return err
	}
	if cfg.ShowHelp {
		fmt.Print(config.Usage(os.Args[0]))
		return nil
	}
	if cfg.ShowVersion {
		fmt.Printf("pfviz %s\n", cfg.Version)
		return nil
	}

	envCfg, err := config.ParseEnv()
	if err != nil {
		return err
	}

	zl, err := logger.New(logger.Config{
		ServiceName: "pfviz",
		Level:       envCfg.LogLevel,
		Format:      envCfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = zl.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()

	zl.Info("starting pfviz",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
		zap.String("format", string(cfg.Format)),
	)

	tracer, cleanupOTEL, err := setupOTEL(zl)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(session.Config{
		Window:        envCfg.LookbackWindow,
		PageCacheSize: envCfg.PageCacheSize,
		Filter:        cfg.Filter,
		Speed:         cfg.Speed,
		Loop:          cfg.Loop,
	}, session.WithLogger(zl), session.WithTracer(tracer))
	if err != nil {
		return err
	}

	src, err := setupSources(ctx, cfg, envCfg, zl)
	if err != nil {
		return err
	}

	rep, ingestErr := sess.Ingest(ctx, src.events, src.changes, src.producers...)
	src.close()
	if errors.Is(ingestErr, context.Canceled) {
		zl.Info("interrupted, keeping events ingested so far")
		ingestErr = nil
	}

	writer := report.New(os.Stdout, wallClock(envCfg, zl)...)
	if err := writer.Summary(sess, src.groups()...); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if err := playFrames(sess, cfg, rep, writer); err != nil {
		return fmt.Errorf("writing frames: %w", err)
	}

	return ingestErr
}
