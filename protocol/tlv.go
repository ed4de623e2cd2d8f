// Protocol format is based on ToyTLV (MIT licence) written by Victor Grishchenko in 2024
// Original project: https://github.com/learn-decentralized-systems/toytlv

/*
Package protocol implements the compact TLV (Type-Length-Value) records
every kniga payload is made of: exported snapshots and updates, encoded
changes, container states and ephemeral store blobs.

# Record format

Three header forms are selected automatically by body size:

 1. Tiny (1 byte header), bodies of 0-9 bytes, lowercase type only:
    [('0' + body_length)]. The type letter is not preserved.
 2. Short (2 bytes header), bodies up to 255 bytes:
    [lowercase_type, body_length]
 3. Long (5 bytes header), bodies up to 2GB:
    [uppercase_type, length_as_4byte_little_endian]

Record types are the letters A-Z. Passing a lowercase letter to the
encoders allows the tiny form; uppercase forces an explicit type.

# Parsing

Everything read from another replica goes through TakeWary,
TakeAnyWary or a Cursor, which report malformed input as errors.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CaseBit turns an uppercase record type into a lowercase one.
const CaseBit uint8 = 'a' - 'A'

const (
	tinyLit    = '0'
	badLit     = '-'
	maxTiny    = 9
	maxShort   = 0xff
	maxLong    = 0x7fffffff
	longHdrLen = 5
)

var (
	ErrIncomplete = errors.New("incomplete data")
	ErrBadRecord  = errors.New("bad TLV record format")
)

func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

// ProbeHeader reads a record header. lit is the uppercase record type,
// '0' for a tiny record, '-' for garbage and 0 if data is too short
// to tell.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	c := data[0]
	switch {
	case c >= '0' && c <= '9':
		return tinyLit, 1, int(c - '0')
	case isUpper(c &^ CaseBit) && c&CaseBit != 0:
		if len(data) < 2 {
			return 0, 0, 0
		}
		return c &^ CaseBit, 2, int(data[1])
	case isUpper(c):
		if len(data) < longHdrLen {
			return 0, 0, 0
		}
		n := binary.LittleEndian.Uint32(data[1:longHdrLen])
		if n > maxLong {
			return badLit, 0, 0
		}
		return c, longHdrLen, int(n)
	}
	return badLit, 0, 0
}

func checkLit(lit byte) byte {
	upper := lit &^ CaseBit
	if !isUpper(upper) {
		panic(fmt.Sprintf("TLV record type %q is not a letter", lit))
	}
	return upper
}

// AppendHeader appends the shortest header the body length and the
// case of lit allow.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	upper := checkLit(lit)
	switch {
	case bodylen <= maxTiny && lit != upper:
		return append(into, byte('0'+bodylen))
	case bodylen <= maxShort:
		return append(into, upper|CaseBit, byte(bodylen))
	case bodylen <= maxLong:
		into = append(into, upper)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	}
	panic(fmt.Sprintf("TLV record of %d bytes is too long", bodylen))
}

func split(data []byte) (lit byte, body, rest []byte, err error) {
	lit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case lit == badLit:
		return 0, nil, nil, ErrBadRecord
	case lit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	end := hdrlen + bodylen
	return lit, data[hdrlen:end], data[end:], nil
}

// TakeWary takes the next record and checks its type; a tiny record
// passes for any type. On ErrIncomplete rest is data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, body, rest, err := split(data)
	if err != nil {
		return nil, rest, err
	}
	if flit != lit&^CaseBit && flit != tinyLit {
		return nil, nil, ErrBadRecord
	}
	return body, rest, nil
}

// TakeAnyWary takes the next record whatever its type.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	return split(data)
}

// Append appends a record made of the concatenated body parts.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, Records(body).TotalLen())
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record is Append into a fresh buffer.
func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, Records(body).TotalLen()+longHdrLen), lit, body...)
}

// TinyRecord makes a record that may use the tiny form.
func TinyRecord(lit byte, body []byte) []byte {
	return Record(lit|CaseBit, body)
}

// OpenHeader starts a record of unknown length in the long form.
// CloseHeader fills the length in once the body is appended:
//
//	bookmark, buf := OpenHeader(buf, 'X')
//	buf = append(buf, bodyData...)
//	CloseHeader(buf, bookmark)
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	res = append(buf, checkLit(lit), 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < longHdrLen || bookmark > len(buf) {
		panic("CloseHeader: bookmark is not from OpenHeader")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}

// Cursor walks a sequence of records received from an untrusted source.
// The first malformed record stops the walk; Err reports it.
//
//	cur := Cursor{Data: body}
//	for cur.Next() {
//		switch cur.Lit() { ... }
//	}
//	if cur.Err() != nil { ... }
type Cursor struct {
	Data []byte
	lit  byte
	body []byte
	err  error
}

func (c *Cursor) Next() bool {
	if c.err != nil || len(c.Data) == 0 {
		return false
	}
	c.lit, c.body, c.Data, c.err = TakeAnyWary(c.Data)
	if c.err != nil {
		c.Data = nil
		return false
	}
	return true
}

func (c *Cursor) Lit() byte {
	return c.lit
}

func (c *Cursor) Body() []byte {
	return c.body
}

func (c *Cursor) Err() error {
	return c.err
}

// Expect takes the next record and checks its type.
func (c *Cursor) Expect(lit byte) (body []byte, err error) {
	if !c.Next() {
		if c.err != nil {
			return nil, c.err
		}
		return nil, ErrIncomplete
	}
	if c.lit != lit && c.lit != tinyLit {
		c.err = ErrBadRecord
		return nil, c.err
	}
	return c.body, nil
}
