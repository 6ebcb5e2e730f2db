package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/fstream/service"
	"github.com/bobg/fstream/shred"
)

type config struct {
	Root             string                 `json:"root"`
	Listen           string                 `json:"listen"`
	Metrics          string                 `json:"metrics"`
	CompressionLevel int                    `json:"compression_level"`
	Retry            retryConfig            `json:"retry"`
	SweepInterval    duration               `json:"sweep_interval"`
	SweepMaxAge      duration               `json:"sweep_max_age"`
	Log              logConfig              `json:"log"`
	Durable          map[string]interface{} `json:"durable"`
}

type retryConfig struct {
	Attempts int      `json:"attempts"`
	Delay    duration `json:"delay"`
}

type logConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// duration is a time.Duration written in JSON as a string like "5s".
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %s", s)
	}
	*d = duration(dur)
	return nil
}

func defaultConfig() *config {
	return &config{
		Root:             "fstream-data",
		Listen:           ":7070",
		CompressionLevel: -1,
		Retry: retryConfig{
			Attempts: shred.DefaultAttempts,
			Delay:    duration(shred.DefaultDelay),
		},
		SweepMaxAge: duration(time.Hour),
		Log: logConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// loadConfig reads the JSON config file at filename over the defaults.
// A missing file leaves the defaults in place.
func loadConfig(filename string) (*config, error) {
	conf := defaultConfig()

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return conf, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}
	return conf, nil
}

func (conf *config) serviceOptions() *service.Options {
	return &service.Options{
		CompressionLevel: conf.CompressionLevel,
		RetryAttempts:    conf.Retry.Attempts,
		RetryDelay:       time.Duration(conf.Retry.Delay),
		SweepInterval:    time.Duration(conf.SweepInterval),
		SweepMaxAge:      time.Duration(conf.SweepMaxAge),
	}
}
