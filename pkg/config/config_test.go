package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleConfig struct {
	HTTPAddr string        `split_words:"true" default:":8080"`
	Timeout  time.Duration `default:"5s"`
	Token    string        `required:"true"`
	Workers  int           `default:"2"`
}

func TestNewFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	body := "CFGTEST_TOKEN=from-file\nCFGTEST_WORKERS=7\nCFGTEST_HTTP_ADDR=:9999\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("CFGTEST_HTTP_ADDR", ":7000")
	t.Cleanup(func() {
		os.Unsetenv("CFGTEST_TOKEN")
		os.Unsetenv("CFGTEST_WORKERS")
	})

	conf, err := New[sampleConfig]("CFGTEST", WithEnvFile(path))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Token != "from-file" || conf.Workers != 7 {
		t.Fatalf("New() = %+v", conf)
	}
	if conf.HTTPAddr != ":7000" {
		t.Fatalf("HTTPAddr = %q, want process env to win", conf.HTTPAddr)
	}
	if conf.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want default", conf.Timeout)
	}
}

func TestNewMissingExplicitFile(t *testing.T) {
	if _, err := New[sampleConfig]("CFGMISSING", WithEnvFile(filepath.Join(t.TempDir(), "nope.env"))); err == nil {
		t.Fatal("New() error = nil, want missing file error")
	}
}

func TestNewRequiredField(t *testing.T) {
	if _, err := New[sampleConfig]("CFGREQUIRED", WithEnvFile(writeEmpty(t))); err == nil {
		t.Fatal("New() error = nil, want required field error")
	}
}

func TestMustNewPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustNew() did not panic")
		}
	}()
	MustNew[sampleConfig]("CFGPANIC", WithEnvFile(writeEmpty(t)))
}

func writeEmpty(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "empty.env")
	if err := os.WriteFile(path, []byte("UNRELATED_KEY=1\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
