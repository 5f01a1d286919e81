/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package container

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// magic identifies the reference codec's wire format. Bumped if the
// layout changes incompatibly.
var magic = [4]byte{'P', 'H', '0', '1'}

const (
	fieldBytes  = 0
	fieldString = 1
	fieldUint64 = 2
)

// header layout, fixed size so the provenance-hash and signature slots
// can be filled in place after the body is known:
//
//	magic(4) creationTimeNanos(8) hasKey(1) pubkey(32) signature(64) provenanceHash(32)
const headerSize = 4 + 8 + 1 + 32 + 64 + 32

type section struct {
	name   string
	fields Fields
}

type refCodec struct{}

// Ref is the reference implementation of Codec. It is intentionally
// minimal: the production container format lives outside this module.
var Ref Codec = refCodec{}

func (refCodec) NewBuilder(creationTimeNanos int64) Builder {
	return &refBuilder{creationTimeNanos: creationTimeNanos}
}

type refBuilder struct {
	creationTimeNanos int64
	sections          []section
	hasKey            bool
	pub               ed25519.PublicKey
	forcedHash        *[32]byte
}

func (b *refBuilder) AddSection(name string, fields Fields) Builder {
	b.sections = append(b.sections, section{name: name, fields: fields})
	return b
}

func (b *refBuilder) SetHeaderKey(pub ed25519.PublicKey) Builder {
	b.hasKey = true
	b.pub = pub
	return b
}

func (b *refBuilder) SetProvenanceHash(hash [32]byte) Builder {
	b.forcedHash = &hash
	return b
}

func (b *refBuilder) Build() ([]byte, error) {
	var body bytes.Buffer
	if err := writeSections(&body, b.sections); err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerSize+body.Len())
	out = append(out, magic[:]...)

	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(b.creationTimeNanos))
	out = append(out, tbuf[:]...)

	if b.hasKey {
		out = append(out, 1)
		var pk [32]byte
		copy(pk[:], b.pub)
		out = append(out, pk[:]...)
	} else {
		out = append(out, 0)
		out = append(out, make([]byte, 32)...)
	}
	out = append(out, make([]byte, 64)...) // signature placeholder
	out = append(out, make([]byte, 32)...) // provenance hash placeholder

	out = append(out, body.Bytes()...)

	hash := computeProvenanceHash(out)
	if b.forcedHash != nil {
		hash = *b.forcedHash
	}
	copy(out[headerSize-32:headerSize], hash[:])

	return out, nil
}

func (refCodec) Decode(b []byte) (Record, error) {
	if len(b) < headerSize || !bytes.Equal(b[0:4], magic[:]) {
		return nil, errors.New("container: bad magic")
	}
	r := &refRecord{raw: b}
	r.creationTimeNanos = int64(binary.BigEndian.Uint64(b[4:12]))
	r.hasKey = b[12] == 1
	copy(r.pub[:], b[13:45])
	copy(r.sig[:], b[45:109])
	copy(r.provenance[:], b[109:141])

	sections, err := parseSections(b[headerSize:])
	if err != nil {
		return nil, err
	}
	r.sections = sections
	return r, nil
}

func (b *refBuilder) SignWith(priv ed25519.PrivateKey, built []byte) ([]byte, error) {
	if len(built) < headerSize {
		return nil, errors.New("container: built record too short to sign")
	}
	out := append([]byte(nil), built...)
	hash := computeProvenanceHash(out)
	copy(out[headerSize-32:headerSize], hash[:])
	sig := ed25519.Sign(priv, hash[:])
	copy(out[headerSize-32-64:headerSize-32], sig)
	return out, nil
}

type refRecord struct {
	raw               []byte
	creationTimeNanos int64
	hasKey            bool
	pub               [32]byte
	sig               [64]byte
	provenance        [32]byte
	sections          []section
}

func (r *refRecord) ProvenanceHash() [32]byte { return r.provenance }

func (r *refRecord) HeaderKey() (ed25519.PublicKey, bool) {
	if !r.hasKey {
		return nil, false
	}
	return ed25519.PublicKey(r.pub[:]), true
}

// VerifySignature checks the header signature over the provenance hash
// recomputed from the raw record, so a record whose body was altered
// after signing fails even though its header still claims the original
// hash.
func (r *refRecord) VerifySignature(pub ed25519.PublicKey) bool {
	hash := computeProvenanceHash(r.raw)
	return ed25519.Verify(pub, hash[:], r.sig[:])
}

func (r *refRecord) Section(name string) (Fields, bool) {
	for _, s := range r.sections {
		if s.name == name {
			return s.fields, true
		}
	}
	return nil, false
}

func (r *refRecord) ErrorMessage() (string, bool) {
	fields, ok := r.Section("error")
	if !ok {
		return "", false
	}
	for _, key := range []string{"message", "error"} {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// computeProvenanceHash hashes the record with the signature and
// provenance-hash header slots zeroed, so the hash commits to everything
// else (creation time, header key, sections) without self-reference.
func computeProvenanceHash(record []byte) [32]byte {
	tmp := append([]byte(nil), record...)
	for i := headerSize - 32 - 64; i < headerSize; i++ {
		tmp[i] = 0
	}
	return blake3.Sum256(tmp)
}

func writeSections(w *bytes.Buffer, sections []section) error {
	for _, s := range sections {
		if len(s.name) > 255 {
			return fmt.Errorf("container: section name %q too long", s.name)
		}
		w.WriteByte(byte(len(s.name)))
		w.WriteString(s.name)

		var countBuf [2]byte
		binary.BigEndian.PutUint16(countBuf[:], uint16(len(s.fields)))
		w.Write(countBuf[:])

		// Field order must be stable: the provenance hash covers these
		// bytes, and map iteration order is randomized.
		names := make([]string, 0, len(s.fields))
		for name := range s.fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if len(name) > 255 {
				return fmt.Errorf("container: field name %q too long", name)
			}
			w.WriteByte(byte(len(name)))
			w.WriteString(name)
			if err := writeValue(w, s.fields[name]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeValue(w *bytes.Buffer, value Value) error {
	switch v := value.(type) {
	case []byte:
		w.WriteByte(fieldBytes)
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(v)))
		w.Write(lbuf[:])
		w.Write(v)
	case string:
		w.WriteByte(fieldString)
		var lbuf [4]byte
		binary.BigEndian.PutUint32(lbuf[:], uint32(len(v)))
		w.Write(lbuf[:])
		w.WriteString(v)
	case uint64:
		w.WriteByte(fieldUint64)
		var vbuf [8]byte
		binary.BigEndian.PutUint64(vbuf[:], v)
		w.Write(vbuf[:])
	default:
		return fmt.Errorf("container: unsupported field value type %T", value)
	}
	return nil
}

func parseSections(b []byte) ([]section, error) {
	var sections []section
	pos := 0
	for pos < len(b) {
		if pos+1 > len(b) {
			return nil, errors.New("container: truncated section name length")
		}
		nameLen := int(b[pos])
		pos++
		if pos+nameLen > len(b) {
			return nil, errors.New("container: truncated section name")
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen

		if pos+2 > len(b) {
			return nil, errors.New("container: truncated field count")
		}
		count := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2

		fields := make(Fields, count)
		for i := 0; i < count; i++ {
			if pos+1 > len(b) {
				return nil, errors.New("container: truncated field name length")
			}
			fnameLen := int(b[pos])
			pos++
			if pos+fnameLen > len(b) {
				return nil, errors.New("container: truncated field name")
			}
			fname := string(b[pos : pos+fnameLen])
			pos += fnameLen

			if pos+1 > len(b) {
				return nil, errors.New("container: truncated field type")
			}
			ftype := b[pos]
			pos++

			switch ftype {
			case fieldBytes, fieldString:
				if pos+4 > len(b) {
					return nil, errors.New("container: truncated field length")
				}
				flen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
				pos += 4
				if pos+flen > len(b) {
					return nil, errors.New("container: truncated field value")
				}
				raw := b[pos : pos+flen]
				pos += flen
				if ftype == fieldString {
					fields[fname] = string(raw)
				} else {
					fields[fname] = append([]byte(nil), raw...)
				}
			case fieldUint64:
				if pos+8 > len(b) {
					return nil, errors.New("container: truncated uint64 value")
				}
				fields[fname] = binary.BigEndian.Uint64(b[pos : pos+8])
				pos += 8
			default:
				return nil, fmt.Errorf("container: unknown field type %d", ftype)
			}
		}
		sections = append(sections, section{name: name, fields: fields})
	}
	return sections, nil
}

// EncodedLength returns the length of the first self-delimited record at
// the start of b, used by rendezvous relay fetch to split a
// concatenation of records without extra framing.
func EncodedLength(b []byte) (int, error) {
	if len(b) < headerSize {
		return 0, errors.New("container: too short for header")
	}
	pos := headerSize
	start := pos
	for pos < len(b) {
		if pos+1 > len(b) {
			return 0, errors.New("container: truncated section name length")
		}
		nameLen := int(b[pos])
		pos += 1 + nameLen
		if pos+2 > len(b) {
			return 0, errors.New("container: truncated field count")
		}
		count := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
		for i := 0; i < count; i++ {
			if pos+1 > len(b) {
				return 0, errors.New("container: truncated field name length")
			}
			fnameLen := int(b[pos])
			pos += 1 + fnameLen
			if pos+1 > len(b) {
				return 0, errors.New("container: truncated field type")
			}
			ftype := b[pos]
			pos++
			switch ftype {
			case fieldBytes, fieldString:
				if pos+4 > len(b) {
					return 0, errors.New("container: truncated field length")
				}
				flen := int(binary.BigEndian.Uint32(b[pos : pos+4]))
				pos += 4 + flen
			case fieldUint64:
				pos += 8
			default:
				return 0, fmt.Errorf("container: unknown field type %d", ftype)
			}
		}
		// One section per record in the relay's concatenation scheme;
		// stop after the first.
		_ = start
		return pos, nil
	}
	return pos, nil
}
