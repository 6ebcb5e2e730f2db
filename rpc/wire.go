package rpc

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bobg/fstream"
)

// CodecName is the gRPC content-subtype of fstream messages.
const CodecName = "fstream"

// ChunkSize is the maximum body size carried by one frame.
const ChunkSize = 64 * 1024

// message is implemented by every type that travels through the codec.
// The encoding is protobuf-compatible,
// with field numbers as given in each type's comment.
type message interface {
	marshal() []byte
	unmarshal([]byte) error
}

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, errors.Errorf("cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return errors.Errorf("cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

// queryMsg is a fstream.Query.
//
//	1 key bytes
//	2 hash bytes
//	3 length int64
//	4 from_byte int64
//	5 accept_encoding string
type queryMsg struct {
	q fstream.Query
}

func (m *queryMsg) marshal() []byte {
	var b []byte
	b = appendKey(b, 1, m.q.Key)
	b = appendHash(b, 2, m.q.Hash)
	b = appendInt(b, 3, m.q.Length)
	b = appendInt(b, 4, m.q.FromByte)
	b = appendString(b, 5, string(m.q.AcceptEncoding))
	return b
}

func (m *queryMsg) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v uint64, bytes []byte) (err error) {
		switch num {
		case 1:
			m.q.Key, err = fstream.KeyFromBytes(bytes)
		case 2:
			m.q.Hash = fstream.HashFromBytes(bytes)
		case 3:
			m.q.Length = int64(v)
		case 4:
			m.q.FromByte = int64(v)
		case 5:
			m.q.AcceptEncoding = fstream.Encoding(bytes)
		}
		return err
	})
}

// infoMsg is a fstream.Info.
//
//	1 key bytes
//	2 hash bytes
//	3 length int64
//	4 position int64
//	5 content_encoding string
//	6 state enum
//	7 found bool
type infoMsg struct {
	info  fstream.Info
	found bool
}

func (m *infoMsg) marshal() []byte {
	var b []byte
	b = appendKey(b, 1, m.info.Key)
	b = appendHash(b, 2, m.info.Hash)
	b = appendInt(b, 3, m.info.Length)
	b = appendInt(b, 4, m.info.Position)
	b = appendString(b, 5, string(m.info.Encoding))
	b = appendInt(b, 6, int64(m.info.State))
	if m.found {
		b = appendInt(b, 7, 1)
	}
	return b
}

func (m *infoMsg) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v uint64, bytes []byte) (err error) {
		switch num {
		case 1:
			m.info.Key, err = fstream.KeyFromBytes(bytes)
		case 2:
			m.info.Hash = fstream.HashFromBytes(bytes)
		case 3:
			m.info.Length = int64(v)
		case 4:
			m.info.Position = int64(v)
		case 5:
			m.info.Encoding = fstream.Encoding(bytes)
		case 6:
			m.info.State = fstream.State(v)
		case 7:
			m.found = v != 0
		}
		return err
	})
}

// frameMsg is one message of a streamed body.
// The first frame of a stream carries the header and no chunk;
// the rest carry chunks only.
//
//	1 header Info
//	2 chunk bytes
type frameMsg struct {
	header *infoMsg
	chunk  []byte
}

func (m *frameMsg) marshal() []byte {
	var b []byte
	if m.header != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.header.marshal())
	}
	if len(m.chunk) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.chunk)
	}
	return b
}

func (m *frameMsg) unmarshal(b []byte) error {
	m.header, m.chunk = nil, nil
	return eachField(b, func(num protowire.Number, _ uint64, bytes []byte) error {
		switch num {
		case 1:
			m.header = new(infoMsg)
			return m.header.unmarshal(bytes)
		case 2:
			m.chunk = append([]byte(nil), bytes...)
		}
		return nil
	})
}

// resultMsg is a fstream.Result,
// plus the transfer error that may accompany a partial result.
//
//	1 status enum
//	2 written int64
//	3 info Info
//	4 error_category string
//	5 error_message string
type resultMsg struct {
	result   fstream.Result
	category fstream.Category
	errmsg   string
}

func (m *resultMsg) marshal() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.result.Status))
	b = appendInt(b, 2, m.result.Written)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, (&infoMsg{info: m.result.Info}).marshal())
	b = appendString(b, 4, string(m.category))
	b = appendString(b, 5, m.errmsg)
	return b
}

func (m *resultMsg) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, v uint64, bytes []byte) error {
		switch num {
		case 1:
			m.result.Status = fstream.Status(v)
		case 2:
			m.result.Written = int64(v)
		case 3:
			var info infoMsg
			if err := info.unmarshal(bytes); err != nil {
				return err
			}
			m.result.Info = info.info
		case 4:
			m.category = fstream.Category(bytes)
		case 5:
			m.errmsg = string(bytes)
		}
		return nil
	})
}

// keyMsg names a stream.
//
//	1 key bytes
type keyMsg struct {
	key fstream.Key
}

func (m *keyMsg) marshal() []byte {
	return appendKey(nil, 1, m.key)
}

func (m *keyMsg) unmarshal(b []byte) error {
	return eachField(b, func(num protowire.Number, _ uint64, bytes []byte) (err error) {
		if num == 1 {
			m.key, err = fstream.KeyFromBytes(bytes)
		}
		return err
	})
}

type emptyMsg struct{}

func (*emptyMsg) marshal() []byte        { return nil }
func (*emptyMsg) unmarshal([]byte) error { return nil }

func appendKey(b []byte, num protowire.Number, key fstream.Key) []byte {
	if key.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, key[:])
}

func appendHash(b []byte, num protowire.Number, h fstream.Hash) []byte {
	if h.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, h[:])
}

func appendInt(b []byte, num protowire.Number, n int64) []byte {
	if n == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(n))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// eachField calls f for each field in b.
// Varint fields are passed in v, length-delimited fields in bytes.
// Fields of other wire types are skipped.
func eachField(b []byte, f func(num protowire.Number, v uint64, bytes []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "parsing tag")
		}
		b = b[n:]

		var (
			v     uint64
			bytes []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "parsing field %d", num)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := f(num, v, bytes); err != nil {
			return err
		}
	}
	return nil
}
