package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvFileVar names the variable that points at a dotenv file when the -env
// flag is not given.
const EnvFileVar = "ENV_FILE"

var (
	envFlag   string
	flagOnce  sync.Once
	exportMu  sync.Mutex
	exported  = map[string]bool{}
	errNoFile = errors.New("env file not found")
)

type options struct {
	envFile  string
	explicit bool
}

type Option func(*options)

// WithEnvFile loads path instead of the -env flag, ENV_FILE or ./.env.
// A missing explicit file is an error.
func WithEnvFile(path string) Option {
	return func(o *options) {
		o.envFile = path
		o.explicit = true
	}
}

// MustNew is New that panics, for wiring in main.
func MustNew[T any](prefix string, opts ...Option) *T {
	conf, err := New[T](prefix, opts...)
	if err != nil {
		panic(fmt.Errorf("config %s: %w", prefix, err))
	}
	return conf
}

// New fills T from <PREFIX>_* environment variables using envconfig tags.
// Variables from the env file are exported first; variables already present
// in the process environment win over the file.
func New[T any](prefix string, opts ...Option) (*T, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.explicit {
		o.envFile, o.explicit = resolveEnvFile()
	}

	if err := exportFile(o.envFile); err != nil {
		if !errors.Is(err, errNoFile) || o.explicit {
			return nil, fmt.Errorf("load env file %q: %w", o.envFile, err)
		}
	}

	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func resolveEnvFile() (string, bool) {
	flagOnce.Do(func() {
		if flag.Lookup("env") == nil {
			flag.StringVar(&envFlag, "env", "", "path to .env file")
		}
		if !flag.Parsed() {
			flag.Parse()
		}
	})
	if p := strings.TrimSpace(envFlag); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv(EnvFileVar)); p != "" {
		return p, true
	}
	return ".env", false
}

// exportFile copies the file's keys into the process environment once per
// file. Keys set outside the file are left alone.
func exportFile(path string) error {
	exportMu.Lock()
	defer exportMu.Unlock()
	if exported[path] {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errNoFile
		}
		return err
	}
	if info.IsDir() {
		return errNoFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	exported[path] = true
	return nil
}
