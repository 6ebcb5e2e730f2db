package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	conf, err := loadConfig(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaultConfig(), conf); diff != "" {
		t.Errorf("missing file did not yield defaults (-want +got):\n%s", diff)
	}

	const text = `{
  "root": "/var/cache/fstream",
  "retry": {"attempts": 2, "delay": "250ms"},
  "sweep_interval": "1m",
  "durable": {"type": "sqlite3", "conn": "files.db"}
}`
	filename := filepath.Join(dir, "fstream.json")
	if err = os.WriteFile(filename, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}

	conf, err = loadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}

	want := defaultConfig()
	want.Root = "/var/cache/fstream"
	want.Retry = retryConfig{Attempts: 2, Delay: duration(250 * time.Millisecond)}
	want.SweepInterval = duration(time.Minute)
	want.Durable = map[string]interface{}{"type": "sqlite3", "conn": "files.db"}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	opts := conf.serviceOptions()
	if opts.RetryDelay != 250*time.Millisecond || opts.SweepInterval != time.Minute || opts.SweepMaxAge != time.Hour {
		t.Errorf("got options %+v", opts)
	}

	if err = os.WriteFile(filename, []byte(`{"sweep_interval": 60}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err = loadConfig(filename); err == nil {
		t.Error("numeric duration accepted")
	}
}

func TestParseQuery(t *testing.T) {
	if _, err := parseQuery("", ""); err == nil {
		t.Error("empty query accepted")
	}
	q, err := parseQuery("", "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=")
	if err != nil {
		t.Fatal(err)
	}
	if q.Hash.IsZero() {
		t.Error("hash not parsed")
	}
}
