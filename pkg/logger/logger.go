package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config is read from LOG_* variables.
type Config struct {
	Level        string `split_words:"true" default:"info"`
	Debug        bool   `split_words:"true" default:"false"`
	PrettyFormat bool   `split_words:"true" default:"false"`
	Service      string `split_words:"true" default:"udahub-support"`
	Caller       bool   `split_words:"true" default:"true"`
}

var DefaultConfig = Config{
	Level:   "info",
	Service: "udahub-support",
	Caller:  true,
}

// Init replaces the global zerolog logger. Without arguments DefaultConfig
// is used.
func Init(opts ...Config) {
	conf := DefaultConfig
	if len(opts) > 0 {
		conf = opts[0]
	}
	log.Logger = New(os.Stdout, conf)
	zerolog.SetGlobalLevel(levelOf(conf))
}

// New builds a logger writing to w. Init uses it for the global logger and
// tests use it against a buffer.
func New(w io.Writer, conf Config) zerolog.Logger {
	if conf.PrettyFormat {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if conf.Service != "" {
		ctx = ctx.Str("service", conf.Service)
	}
	if conf.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Stack().Logger().Level(levelOf(conf))
}

func levelOf(conf Config) zerolog.Level {
	if conf.Debug {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(conf.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
