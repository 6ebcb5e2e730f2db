package fstream

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type (
	// Key is the identifier an uploader assigns to a stream.
	Key uuid.UUID

	// Hash is the SHA2-256 hash of a byte stream.
	Hash [sha256.Size]byte

	// Encoding is the representation of a stream on the wire or on disk.
	Encoding string
)

// NewKey produces a random Key.
func NewKey() Key {
	return Key(uuid.New())
}

// ParseKey parses the textual form of a Key.
func ParseKey(s string) (Key, error) {
	u, err := uuid.Parse(s)
	return Key(u), errors.Wrapf(err, "parsing key %s", s)
}

// KeyFromBytes converts a 16-byte slice to a Key.
func KeyFromBytes(b []byte) (Key, error) {
	u, err := uuid.FromBytes(b)
	return Key(u), err
}

func (k Key) String() string {
	return uuid.UUID(k).String()
}

// IsZero tells whether k is the zero Key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ZeroHash is the zero value of a Hash.
// It stands for "no hash".
var ZeroHash Hash

// String renders h in standard base64,
// the form used by existing clients.
// The zero hash renders as the empty string.
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return base64.StdEncoding.EncodeToString(h[:])
}

// IsZero tells whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// ParseHash parses the base64 form of a Hash.
// The empty string parses as the zero hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if s == "" {
		return h, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, errors.Wrapf(err, "decoding hash %s", s)
	}
	if len(b) != len(h) {
		return h, errors.Errorf("hash %s has length %d, want %d", s, len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// HashFromBytes converts a byte slice to a Hash.
// An empty slice yields the zero hash.
func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}

// Bytes returns h as a slice,
// or nil if h is the zero hash.
func (h Hash) Bytes() []byte {
	if h.IsZero() {
		return nil
	}
	return h[:]
}

const (
	// EncodingNone is the canonical, uncompressed representation.
	EncodingNone Encoding = ""

	// EncodingDeflate is a raw deflate stream.
	// The name is the header value existing clients send.
	EncodingDeflate Encoding = "gzip, deflate"
)

// ParseEncoding maps a content-encoding or accept-encoding value to an Encoding.
// Any value naming gzip or deflate selects EncodingDeflate.
func ParseEncoding(s string) Encoding {
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "gzip", "deflate":
			return EncodingDeflate
		}
	}
	return EncodingNone
}

// Compressed tells whether e is a compressed encoding.
func (e Encoding) Compressed() bool {
	return ParseEncoding(string(e)) == EncodingDeflate
}

// Item describes one stored blob.
type Item struct {
	Key            Key
	ContentHash    Hash // hash of the canonical bytes
	CompressedHash Hash // hash of the compressed upload, if there was one
	Length         int64
	Path           string
	Encoding       Encoding
	Downloaded     bool
	CreatedAt      time.Time
	AccessedAt     time.Time
}

// MatchesHash tells whether h is one of item's hashes.
// The zero hash matches nothing.
func (item *Item) MatchesHash(h Hash) bool {
	if h.IsZero() {
		return false
	}
	return item.ContentHash == h || item.CompressedHash == h
}
