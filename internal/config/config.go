package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mrzor/pfviz/internal/model"
	"github.com/mrzor/pfviz/internal/playback"

	"github.com/caarlos0/env/v11"
)

// Format is the encoding of the tracing subprocess output.
type Format string

const (
	// FormatFrames is the binary frame encoding read by the decoder package.
	FormatFrames Format = "frames"
	// FormatPerfScript is the text printed by perf script.
	FormatPerfScript Format = "perf-script"
	// FormatRingbuf reads frames from a BPF ring buffer map pinned in bpffs.
	FormatRingbuf Format = "ringbuf"
)

// Config holds the parsed command-line configuration
type Config struct {
	// Selectors maps sample selector indexes to event kinds. The page-fault
	// probes always come first, followed by each -e flag in order.
	Selectors model.SelectorTable
	// Input is a file path, or "-" for stdin. With FormatRingbuf it is the
	// path of the pinned ring buffer map.
	Input  string
	Format Format
	// Filter is an optional expression evaluated against every raw event
	Filter string
	// PID, when positive, enables live /proc/<pid>/maps watching. With
	// perf-script input it keeps only that process's mmap records.
	PID int
	// Frames is the number of headless frames to render after ingestion
	Frames int
	FPS    int
	Speed  playback.Speed
	Loop   bool

	ShowHelp    bool
	ShowVersion bool
	Version     string
}

// EnvConfig holds tunables read from PFVIZ_* environment variables
type EnvConfig struct {
	LookbackWindow   time.Duration `env:"PFVIZ_LOOKBACK_WINDOW" envDefault:"250ms"`
	PageCacheSize    int           `env:"PFVIZ_PAGE_CACHE_SIZE" envDefault:"4096"`
	ChannelBuffer    int           `env:"PFVIZ_CHANNEL_BUFFER" envDefault:"1024"`
	MapsPollInterval time.Duration `env:"PFVIZ_MAPS_POLL_INTERVAL" envDefault:"10ms"`
	LogLevel         string        `env:"PFVIZ_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"PFVIZ_LOG_FORMAT" envDefault:"console"`
	ProcMount        string        `env:"PFVIZ_PROC_MOUNT" envDefault:"/proc"`
}

// ParseEnv parses PFVIZ_* environment variables
func ParseEnv() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.LookbackWindow <= 0 {
		return nil, fmt.Errorf("PFVIZ_LOOKBACK_WINDOW must be positive, got %s", cfg.LookbackWindow)
	}
	if cfg.PageCacheSize < 0 {
		return nil, fmt.Errorf("PFVIZ_PAGE_CACHE_SIZE must not be negative, got %d", cfg.PageCacheSize)
	}
	if cfg.ChannelBuffer < 0 {
		return nil, fmt.Errorf("PFVIZ_CHANNEL_BUFFER must not be negative, got %d", cfg.ChannelBuffer)
	}
	if cfg.MapsPollInterval <= 0 {
		return nil, fmt.Errorf("PFVIZ_MAPS_POLL_INTERVAL must be positive, got %s", cfg.MapsPollInterval)
	}
	return &cfg, nil
}

// Usage returns the help text for programName.
func Usage(programName string) string {
	return fmt.Sprintf(`Usage: %s [options]

Replays page faults and precise cache-miss samples against the memory
mappings of the traced process.

Options:
  -e, --event <perf-event>,<type>  Trace an extra perf event; type is miss, major or minor (repeatable)
  -i, --input <file|->             Read tracer output from file, or stdin (default: -)
  -f, --format <format>            Input encoding: frames, perf-script or ringbuf (default: frames)
      --filter <expr>              Only keep events matching expr (e.g. 'major && tid == 42')
  -p, --pid <pid>                  Watch /proc/<pid>/maps for mapping changes, or
                                   keep only its mmap records with perf-script input
      --frames <n>                 Render n headless frames after ingestion (default: 0)
      --fps <n>                    Frames per second of trace playback (default: 30)
      --speed <num[/den]>          Playback speed, negative plays backwards (default: 1)
      --loop                       Loop playback between the first and last event
  -h, --help                       Show this help
      --version                    Show version

Example: perf script -F tid,cpu,time,event,addr,ip,sym --show-mmap-events --ns | %s -f perf-script --frames 60
`, programName, programName)
}

// ParseArgs parses command-line arguments and returns a Config.
func ParseArgs(args []string, version, commit, date string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	cfg := &Config{
		Selectors: model.DefaultSelectors(),
		Input:     "-",
		Format:    FormatFrames,
		FPS:       30,
		Speed:     playback.Normal,
		Version:   fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	for i := 1; i < len(args); i++ {
		arg := args[i]

		// Support --flag=value
		name, inline, hasInline := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "--") {
			name, hasInline = arg, false
		}

		value := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			i++
			return args[i], nil
		}

		switch name {
		case "-h", "--help":
			cfg.ShowHelp = true
			return cfg, nil
		case "--version":
			cfg.ShowVersion = true
			return cfg, nil
		case "--loop":
			cfg.Loop = true
		case "-e", "--event":
			v, err := value()
			if err != nil {
				return nil, err
			}
			sel, err := model.ParseSelector(v)
			if err != nil {
				return nil, err
			}
			cfg.Selectors = append(cfg.Selectors, sel)
		case "-i", "--input":
			v, err := value()
			if err != nil {
				return nil, err
			}
			cfg.Input = v
		case "-f", "--format":
			v, err := value()
			if err != nil {
				return nil, err
			}
			switch Format(v) {
			case FormatFrames, FormatPerfScript, FormatRingbuf:
				cfg.Format = Format(v)
			default:
				return nil, fmt.Errorf("unknown format %q: must be %s, %s or %s", v, FormatFrames, FormatPerfScript, FormatRingbuf)
			}
		case "--filter":
			v, err := value()
			if err != nil {
				return nil, err
			}
			cfg.Filter = v
		case "-p", "--pid":
			n, err := intValue(name, value)
			if err != nil {
				return nil, err
			}
			if n <= 0 {
				return nil, fmt.Errorf("%s must be a positive pid, got %d", name, n)
			}
			cfg.PID = n
		case "--frames":
			n, err := intValue(name, value)
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, fmt.Errorf("--frames must not be negative, got %d", n)
			}
			cfg.Frames = n
		case "--fps":
			n, err := intValue(name, value)
			if err != nil {
				return nil, err
			}
			if n <= 0 {
				return nil, fmt.Errorf("--fps must be positive, got %d", n)
			}
			cfg.FPS = n
		case "--speed":
			v, err := value()
			if err != nil {
				return nil, err
			}
			speed, err := playback.ParseSpeed(v)
			if err != nil {
				return nil, err
			}
			cfg.Speed = speed
		default:
			return nil, fmt.Errorf("unknown argument %q\n\n%s", arg, Usage(args[0]))
		}
	}

	if cfg.Format == FormatRingbuf && cfg.Input == "-" {
		return nil, fmt.Errorf("--format %s requires --input <pinned map path>", FormatRingbuf)
	}

	return cfg, nil
}

// FrameInterval is the trace-time wall clock between two headless frames.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

func intValue(name string, value func() (string, error)) (int, error) {
	v, err := value()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", name, v)
	}
	return n, nil
}
