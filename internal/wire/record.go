// Package wire implements the on-the-wire encoding for cbt.Record used by
// BulkInsert/BulkRead clients that talk to cmd/cbtserver over a byte
// stream rather than linking the engine in-process. It reuses
// protobuf's low-level field encoding (protowire) instead of full
// generated message types, since the record layout is fixed and
// schema-less.
package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"cbtree/internal/cbt"
)

// Field numbers for the three Record columns, chosen once and never
// renumbered: hash, key, value.
const (
	fieldHash  protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

// AppendRecord appends the wire encoding of r to buf and returns the
// extended slice, matching the append-style convention protowire itself
// uses for its low-level Append* helpers.
func AppendRecord(buf []byte, r cbt.Record) []byte {
	buf = protowire.AppendTag(buf, fieldHash, protowire.Fixed32Type)
	buf = protowire.AppendFixed32(buf, r.Hash)
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Key[:])
	buf = protowire.AppendTag(buf, fieldValue, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Value)
	return buf
}

// ConsumeRecord decodes one wire-encoded Record from the front of buf,
// returning the record and the number of bytes consumed. It tolerates
// fields arriving out of order, and a field repeated before all three have
// been seen is overwritten (last writer wins). Decoding stops as soon as
// hash, key and value have each been seen; later bytes are not consumed.
func ConsumeRecord(buf []byte) (cbt.Record, int, error) {
	var r cbt.Record
	var sawHash, sawKey, sawValue bool

	total := 0
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return cbt.Record{}, 0, errors.Wrap(protowire.ParseError(n), "wire: consume tag")
		}
		buf = buf[n:]
		total += n

		switch num {
		case fieldHash:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return cbt.Record{}, 0, errors.Wrap(protowire.ParseError(n), "wire: consume hash")
			}
			r.Hash = v
			buf = buf[n:]
			total += n
			sawHash = true
		case fieldKey:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return cbt.Record{}, 0, errors.Wrap(protowire.ParseError(n), "wire: consume key")
			}
			copy(r.Key[:], v)
			buf = buf[n:]
			total += n
			sawKey = true
		case fieldValue:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return cbt.Record{}, 0, errors.Wrap(protowire.ParseError(n), "wire: consume value")
			}
			r.Value = v
			buf = buf[n:]
			total += n
			sawValue = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return cbt.Record{}, 0, errors.Wrap(protowire.ParseError(n), "wire: skip unknown field")
			}
			buf = buf[n:]
			total += n
		}

		if sawHash && sawKey && sawValue {
			break
		}
	}

	if !sawHash || !sawKey || !sawValue {
		return cbt.Record{}, 0, errors.New("wire: truncated record, missing a required field")
	}
	return r, total, nil
}

// AppendRecords encodes a whole batch, each record length-prefixed with a
// varint so ConsumeRecords can split the stream back into individual
// messages without framing at a higher layer.
func AppendRecords(buf []byte, records []cbt.Record) []byte {
	for _, r := range records {
		var enc []byte
		enc = AppendRecord(enc, r)
		buf = protowire.AppendVarint(buf, uint64(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

// ConsumeRecords decodes a whole length-prefixed batch produced by
// AppendRecords.
func ConsumeRecords(buf []byte) ([]cbt.Record, error) {
	var out []cbt.Record
	for len(buf) > 0 {
		size, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "wire: consume length prefix")
		}
		buf = buf[n:]
		if uint64(len(buf)) < size {
			return nil, errors.New("wire: truncated record batch")
		}
		r, _, err := ConsumeRecord(buf[:size])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		buf = buf[size:]
	}
	return out, nil
}
