// Package logger configures the process-wide slog logger. Development runs use
// a text handler; production runs go through zap with JSON output.
package logger

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Backend string

const (
	BackendStd Backend = "std"
	BackendZap Backend = "zap"
)

type Config struct {
	Service    string
	Version    string
	Env        string
	InstanceID string

	Backend   Backend // default: std in development, zap otherwise
	Debug     bool
	AddSource bool

	// Output defaults to os.Stdout.
	Output io.Writer
}

var def *slog.Logger

// Init builds the logger described by cfg, installs it as slog's default and
// returns it.
func Init(cfg Config) *slog.Logger {
	if cfg.Service == "" {
		cfg.Service = "voice-call"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = instanceID()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Backend == "" {
		if cfg.Env == "development" {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = h.WithAttrs([]slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", cfg.Env),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
	})

	def = slog.New(h)
	slog.SetDefault(def)
	return def
}

// L returns the logger installed by Init, initialising a development logger
// on first use.
func L() *slog.Logger {
	if def != nil {
		return def
	}
	return Init(Config{})
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func level(cfg Config) slog.Level {
	if cfg.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newStdHandler(cfg Config) slog.Handler {
	return slog.NewTextHandler(cfg.Output, &slog.HandlerOptions{
		Level:     level(cfg),
		AddSource: cfg.AddSource,
	})
}

func newZapHandler(cfg Config) slog.Handler {
	lvl := level(cfg)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.AddSource {
		encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(cfg.Output), toZapLevel(lvl))
	// ICE candidate bursts can be chatty; sample them.
	core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)

	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return slogzap.Option{Level: lvl, Logger: z}.NewZapHandler()
}

func toZapLevel(lvl slog.Level) zapcore.Level {
	switch {
	case lvl <= slog.LevelDebug:
		return zapcore.DebugLevel
	case lvl == slog.LevelInfo:
		return zapcore.InfoLevel
	case lvl == slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func instanceID() string {
	hn, _ := os.Hostname()
	return hn + "-" + uuid.New().String()[:8]
}
