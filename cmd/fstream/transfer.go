package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
	"github.com/bobg/fstream/transfer"
)

func (c maincmd) durableStore(ctx context.Context) (durable.Store, error) {
	if c.conf.Durable == nil {
		return nil, errors.New(`config has no "durable" section`)
	}
	typ, ok := c.conf.Durable["type"].(string)
	if !ok {
		return nil, errors.New(`"durable" config missing "type" parameter`)
	}
	conf := make(map[string]interface{}, len(c.conf.Durable)+1)
	for k, v := range c.conf.Durable {
		conf[k] = v
	}
	conf["logger"] = c.logger.Named("durable")
	return durable.Create(ctx, typ, conf)
}

func (c maincmd) transfer(ctx context.Context, cf clientFlags, compress bool) (*transfer.Transfer, func() error, error) {
	store, err := c.durableStore(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating durable store")
	}
	cl, cc, err := cf.dial()
	if err != nil {
		return nil, nil, err
	}
	tr, err := transfer.New(store, cl, 1024, c.logger.Named("transfer"))
	if err != nil {
		cc.Close()
		return nil, nil, err
	}
	tr.Compress = compress
	tr.Progress = c.progressFunc(cf)
	return tr, cc.Close, nil
}

// upload copies files from the durable store into the cache.
// With no arguments it copies every file.
func (c maincmd) upload(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		cf       = c.clientFlags(fs)
		limit    = fs.Int("limit", 8, "maximum concurrent uploads")
		compress = fs.Bool("compress", false, "compress bodies in transit")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	tr, closer, err := c.transfer(ctx, cf, *compress)
	if err != nil {
		return err
	}
	defer closer()

	if fs.NArg() == 0 {
		n, err := tr.UploadAll(ctx, *limit)
		fmt.Printf("uploaded %d files\n", n)
		return err
	}

	for _, arg := range fs.Args() {
		id, err := fstream.ParseKey(arg)
		if err != nil {
			return err
		}
		result, err := tr.Upload(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", id, result.Status)
	}
	return nil
}

// fetch copies a stream from the cache into the durable store.
func (c maincmd) fetch(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		cf       = c.clientFlags(fs)
		name     = fs.String("name", "", "file name for a newly created row (default: the key)")
		compress = fs.Bool("compress", false, "compress bodies in transit")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: fetch [-name NAME] [-compress] KEY")
	}
	id, err := fstream.ParseKey(fs.Arg(0))
	if err != nil {
		return err
	}
	if *name == "" {
		*name = id.String()
	}

	tr, closer, err := c.transfer(ctx, cf, *compress)
	if err != nil {
		return err
	}
	defer closer()

	return tr.Download(ctx, id, *name)
}
