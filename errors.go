package fstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means no stream matches a key or hash.
	ErrNotFound = errors.New("stream not found")

	// ErrCorruptStream means compressed input could not be decoded.
	// It is terminal for the transfer.
	ErrCorruptStream = errors.New("corrupt compressed stream")

	// ErrHashMismatch means the content did not hash to the declared value.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrBusy means another upload for the same key is in progress.
	ErrBusy = errors.New("upload already in progress")

	// ErrBadPosition means a read or write offset lies beyond the data on disk.
	ErrBadPosition = errors.New("position beyond end of stream")
)

// Category classifies a transfer failure.
type Category string

const (
	CategoryInvalidData   Category = "invalid-data"
	CategoryTimeout       Category = "timeout"
	CategoryCommunication Category = "communication"
	CategoryIO            Category = "io"
)

// TransferError is a failure while copying a body.
// The bytes copied before the failure stay on disk.
type TransferError struct {
	Category Category
	Err      error
}

// NewTransferError wraps err with the given category.
func NewTransferError(c Category, err error) *TransferError {
	return &TransferError{Category: c, Err: err}
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s error during transfer: %s", e.Category, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Classify wraps err in a TransferError
// whose category is inferred from err.
// An error that already carries a TransferError is returned as is.
func Classify(err error) *TransferError {
	var te *TransferError
	if errors.As(err, &te) {
		return te
	}
	return NewTransferError(category(err), err)
}

func category(err error) Category {
	var nerr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &nerr) && nerr.Timeout():
		return CategoryTimeout
	case errors.Is(err, ErrCorruptStream):
		return CategoryInvalidData
	case errors.Is(err, context.Canceled),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return CategoryCommunication
	case nerr != nil:
		return CategoryCommunication
	}
	return CategoryIO
}
