package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/rpc"
	"github.com/bobg/fstream/transfer"
)

type clientFlags struct {
	addr     *string
	progress *bool
}

func (c maincmd) clientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		addr:     fs.String("addr", c.conf.Listen, "server address"),
		progress: fs.Bool("progress", false, "log transfer progress once a second"),
	}
}

// progressFunc is the progress reporter selected by -progress, or nil.
func (c maincmd) progressFunc(cf clientFlags) transfer.ProgressFunc {
	if !*cf.progress {
		return nil
	}
	return transfer.LogProgress(c.logger.Named("progress"), time.Second)
}

func (cf clientFlags) dial() (*rpc.Client, *grpc.ClientConn, error) {
	return rpc.Dial(*cf.addr)
}

func parseQuery(keystr, hashstr string) (fstream.Query, error) {
	var (
		q   fstream.Query
		err error
	)
	if keystr != "" {
		if q.Key, err = fstream.ParseKey(keystr); err != nil {
			return q, err
		}
	}
	if q.Hash, err = fstream.ParseHash(hashstr); err != nil {
		return q, err
	}
	if q.Key.IsZero() && q.Hash.IsZero() {
		return q, errors.New("must supply -key or -hash")
	}
	return q, nil
}

func printInfo(info fstream.Info) {
	fmt.Printf("key %s\nhash %s\nlength %d\nposition %d\nencoding %q\nstate %s\n",
		info.Key, info.Hash, info.Length, info.Position, info.Encoding, info.State)
}

func (c maincmd) has(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		cf      = c.clientFlags(fs)
		keystr  = fs.String("key", "", "stream key")
		hashstr = fs.String("hash", "", "base64 content hash")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	q, err := parseQuery(*keystr, *hashstr)
	if err != nil {
		return err
	}

	cl, cc, err := cf.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	info, found, err := cl.HasStream(ctx, q)
	if err != nil {
		return errors.Wrap(err, "querying cache")
	}
	if !found {
		return errors.Wrapf(fstream.ErrNotFound, "key %s hash %s", q.Key, q.Hash)
	}
	printInfo(info)
	return nil
}

func (c maincmd) put(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		cf       = c.clientFlags(fs)
		keystr   = fs.String("key", "", "stream key (default: a new one)")
		hashstr  = fs.String("hash", "", "expected base64 hash of the input")
		length   = fs.Int64("length", 0, "expected length of the input")
		position = fs.Int64("position", 0, "offset at which the input resumes an earlier upload")
		compress = fs.Bool("compress", false, "input is deflate-compressed")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	info := fstream.Info{Length: *length, Position: *position}
	if *keystr == "" {
		info.Key = fstream.NewKey()
	} else if info.Key, err = fstream.ParseKey(*keystr); err != nil {
		return err
	}
	if info.Hash, err = fstream.ParseHash(*hashstr); err != nil {
		return err
	}
	if *compress {
		info.Encoding = fstream.EncodingDeflate
	}

	cl, cc, err := cf.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	body := transfer.NewProgressReader(os.Stdin, info.Key, info.Position, info.Length, c.progressFunc(cf))
	result, err := cl.PrepareStream(ctx, fstream.NewMessage(info, body))
	if err != nil {
		if result.Status == fstream.StatusPartial {
			fmt.Printf("partial: resume with -key %s -position %d\n", result.Info.Key, result.Info.Position)
		}
		return errors.Wrap(err, "uploading stdin")
	}

	fmt.Printf("status %s\nwritten %d\n", result.Status, result.Written)
	printInfo(result.Info)
	return nil
}

func (c maincmd) get(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		cf       = c.clientFlags(fs)
		keystr   = fs.String("key", "", "stream key")
		hashstr  = fs.String("hash", "", "base64 content hash")
		from     = fs.Int64("from", 0, "starting offset")
		compress = fs.Bool("compress", false, "request a deflate-compressed body")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	q, err := parseQuery(*keystr, *hashstr)
	if err != nil {
		return err
	}
	q.FromByte = *from
	if *compress {
		q.AcceptEncoding = fstream.EncodingDeflate
	}

	cl, cc, err := cf.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	m, err := cl.DownloadStream(ctx, q)
	if err != nil {
		return errors.Wrap(err, "downloading")
	}
	defer m.Close()

	body := transfer.NewProgressReader(m.Body, m.Key, q.FromByte, m.Length, c.progressFunc(cf))
	_, err = io.Copy(os.Stdout, body)
	return errors.Wrap(err, "writing stream to stdout")
}

func (c maincmd) stop(ctx context.Context, fs *flag.FlagSet, args []string) error {
	cf := c.clientFlags(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	cl, cc, err := cf.dial()
	if err != nil {
		return err
	}
	defer cc.Close()

	return errors.Wrap(cl.Stop(ctx), "stopping cache")
}
