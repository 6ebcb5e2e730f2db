package fstream

import "io"

// Query identifies a stream by key, by hash, or both.
type Query struct {
	Key            Key
	Hash           Hash
	Length         int64
	FromByte       int64
	AcceptEncoding Encoding
}

// State is the lifecycle state of a key.
type State int

const (
	StateAbsent State = iota
	StatePreparing
	StateReady
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	}
	return "absent"
}

// Info describes a stream without its body.
type Info struct {
	Key      Key
	Hash     Hash
	Length   int64
	Position int64 // bytes on disk, or bytes being served
	Encoding Encoding
	State    State
}

// Message is a stream together with its description.
// When reading a Message,
// the caller must close Body if it is non-nil.
type Message struct {
	Info
	Body io.ReadCloser
}

// Close closes m's body, if any.
func (m *Message) Close() error {
	if m.Body == nil {
		return nil
	}
	return m.Body.Close()
}

// Status is the outcome of an upload.
type Status int

const (
	// StatusFailed is the status of a Result returned with an error
	// that left nothing resumable.
	StatusFailed Status = iota

	// StatusComplete means the stream was stored in full.
	StatusComplete

	// StatusExists means the content was already present.
	// No bytes were copied.
	StatusExists

	// StatusPartial means some bytes were stored
	// and the upload may be resumed at Result.Info.Position.
	StatusPartial
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusComplete:
		return "complete"
	case StatusExists:
		return "exists"
	case StatusPartial:
		return "partial"
	}
	return "unknown"
}

// Result is the outcome of an upload.
type Result struct {
	Status  Status
	Written int64 // bytes copied by this call
	Info    Info
}
