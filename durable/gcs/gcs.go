// Package gcs implements a durable store on Google Cloud Storage.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/fstream"
	"github.com/bobg/fstream/durable"
)

var _ durable.Store = &Store{}

// Store is a Google Cloud Storage-based durable store.
// Each file is one object,
// with its name in the object's metadata.
type Store struct {
	bucket *storage.BucketHandle
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

const (
	objPrefix = "f:"
	nameKey   = "name"
)

// Create implements durable.Store.
func (s *Store) Create(ctx context.Context, id fstream.Key, name string) error {
	var (
		objName = fileObjName(id)
		obj     = s.bucket.Object(objName).If(storage.Conditions{DoesNotExist: true})
		w       = obj.NewWriter(ctx)
	)
	w.Metadata = map[string]string{nameKey: name}

	err := w.Close()
	if isPreconditionFailed(err) {
		return nil
	}
	return errors.Wrapf(err, "creating object %s", objName)
}

// ReadBody implements durable.Store.
func (s *Store) ReadBody(ctx context.Context, id fstream.Key, f func(io.Reader) error) error {
	objName := fileObjName(id)
	r, err := s.bucket.Object(objName).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(durable.ErrNotFound, "reading %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "reading object %s", objName)
	}
	defer r.Close()

	return f(r)
}

// WriteBody implements durable.Store.
// The write succeeds only if the object has not changed since its attributes were read.
func (s *Store) WriteBody(ctx context.Context, id fstream.Key, r io.Reader) error {
	var (
		objName = fileObjName(id)
		obj     = s.bucket.Object(objName)
	)

	attrs, err := obj.Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(durable.ErrNotFound, "writing %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "getting object attrs for %s", objName)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := obj.If(storage.Conditions{GenerationMatch: attrs.Generation}).NewWriter(ctx)
	w.Metadata = attrs.Metadata

	if _, err = io.Copy(w, r); err != nil {
		// Canceling the context abandons the upload.
		cancel()
		w.Close()
		return errors.Wrapf(err, "writing object %s", objName)
	}
	return errors.Wrapf(w.Close(), "writing object %s", objName)
}

// List implements durable.Store.
func (s *Store) List(ctx context.Context, f func(durable.Row) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: objPrefix})
	for {
		attrs, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over objects")
		}
		id, err := fstream.ParseKey(strings.TrimPrefix(attrs.Name, objPrefix))
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", attrs.Name)
		}
		err = f(durable.Row{ID: id, Name: attrs.Metadata[nameKey], Size: attrs.Size})
		if err != nil {
			return err
		}
	}
}

func fileObjName(id fstream.Key) string {
	return objPrefix + id.String()
}

func isPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

func init() {
	durable.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (durable.Store, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
