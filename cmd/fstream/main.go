// Command fstream runs and talks to a streaming cache server.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/bobg/subcmd"
	"go.uber.org/zap"

	_ "github.com/bobg/fstream/durable/gcs"
	_ "github.com/bobg/fstream/durable/logging"
	_ "github.com/bobg/fstream/durable/mem"
	_ "github.com/bobg/fstream/durable/pg"
	_ "github.com/bobg/fstream/durable/sqlite3"
)

type maincmd struct {
	conf   *config
	logger *zap.Logger
}

func main() {
	configFile := flag.String("config", "fstream.json", "path to config file")
	flag.Parse()

	conf, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(conf.Log)
	if err != nil {
		log.Fatalf("Creating logger: %s", err)
	}
	defer logger.Sync()

	err = subcmd.Run(context.Background(), maincmd{conf: conf, logger: logger}, flag.Args())
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"serve":  c.serve,
		"has":    c.has,
		"put":    c.put,
		"get":    c.get,
		"stop":   c.stop,
		"upload": c.upload,
		"fetch":  c.fetch,
	}
}
