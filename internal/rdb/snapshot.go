// Package rdb parses the compact on-disk snapshot format used to seed the
// keyspace at startup, and produces the minimal well-formed empty
// snapshot served to a freshly attached replica during PSYNC.
package rdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"os"
	"time"

	"goredis/internal/storage"
)

var (
	ErrBadMagic      = errors.New("rdb: bad magic header")
	ErrDuplicateKey  = errors.New("rdb: duplicate key in database")
	ErrUnsupportedKind = errors.New("rdb: unsupported value kind")
)

const (
	opAux          = 0xFA
	opSelectDB     = 0xFE
	opResizeDB     = 0xFB
	opExpirySecs   = 0xFD
	opExpiryMillis = 0xFC
	opEOF          = 0xFF
)

const valueKindString = 0

var crcTable = crc64.MakeTable(crc64.ISO)

// Entry is one key/value pair decoded from a snapshot.
type Entry struct {
	Key       string
	Value     string
	ExpiresAt *time.Time
}

// decoder walks a byte slice left to right, consuming as it goes.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) byte() (byte, error) {
	if d.remaining() < 1 {
		return 0, io_eof()
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, io_eof()
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func io_eof() error { return errors.New("rdb: unexpected end of file") }

// Load reads and parses path, returning the entries of the first database
// section found. Multiple database sections are tolerated; only the
// first is loaded. Duplicate keys within one database are a fatal parse
// error, matching original_source/src/rdb.rs's `database` rejection.
func Load(path string) ([]Entry, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rdb: read %s: %w", path, err)
	}
	return Parse(contents)
}

// Parse implements the grammar: magic, version, aux*, (db-selector,
// resize-hint, entry*)+, EOF marker, 8-byte checksum, one tolerated
// trailing byte.
func Parse(contents []byte) ([]Entry, error) {
	d := &decoder{buf: contents}
	magic, err := d.take(5)
	if err != nil {
		return nil, err
	}
	if string(magic) != "REDIS" {
		return nil, ErrBadMagic
	}
	if _, err := d.take(4); err != nil { // version, not interpreted
		return nil, err
	}

	var databases [][]Entry
	var current []Entry
	inDB := false
	seenKeys := map[string]bool{}

loop:
	for {
		op, err := d.byte()
		if err != nil {
			return nil, err
		}
		switch op {
		case opAux:
			if _, err := readLengthEncodedString(d); err != nil {
				return nil, err
			}
			if _, err := readLengthEncodedString(d); err != nil {
				return nil, err
			}
		case opSelectDB:
			if inDB {
				databases = append(databases, current)
			}
			current = nil
			seenKeys = map[string]bool{}
			inDB = true
			if _, err := readLengthEncodedInt(d); err != nil {
				return nil, err
			}
		case opResizeDB:
			if _, err := readLengthEncodedInt(d); err != nil {
				return nil, err
			}
			if _, err := readLengthEncodedInt(d); err != nil {
				return nil, err
			}
		case opEOF:
			if inDB {
				databases = append(databases, current)
			}
			break loop
		default:
			entry, err := readKeyValue(d, op)
			if err != nil {
				return nil, err
			}
			if seenKeys[entry.Key] {
				return nil, ErrDuplicateKey
			}
			seenKeys[entry.Key] = true
			current = append(current, entry)
		}
	}

	if _, err := d.take(8); err != nil { // checksum, not verified against content here
		return nil, err
	}
	if d.remaining() >= 1 {
		d.pos++ // codecrafters' snapshot format carries one extra trailing byte
	}

	if len(databases) == 0 {
		return nil, errors.New("rdb: no databases found in the file")
	}
	return databases[0], nil
}

func readKeyValue(d *decoder, first byte) (Entry, error) {
	var expiresAt *time.Time
	op := first
	if op == opExpirySecs || op == opExpiryMillis {
		var ts time.Time
		if op == opExpirySecs {
			b, err := d.take(4)
			if err != nil {
				return Entry{}, err
			}
			secs := binary.LittleEndian.Uint32(b)
			ts = time.UnixMilli(int64(secs) * 1000)
		} else {
			b, err := d.take(8)
			if err != nil {
				return Entry{}, err
			}
			ms := binary.LittleEndian.Uint64(b)
			ts = time.UnixMilli(int64(ms))
		}
		expiresAt = &ts
		kb, err := d.byte()
		if err != nil {
			return Entry{}, err
		}
		op = kb
	}
	if op != valueKindString {
		return Entry{}, ErrUnsupportedKind
	}
	key, err := readLengthEncodedString(d)
	if err != nil {
		return Entry{}, err
	}
	val, err := readLengthEncodedString(d)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: val, ExpiresAt: expiresAt}, nil
}

// readLengthEncodedString reads one control byte selecting the length
// scheme, then that many bytes of string data — or, for the "special"
// scheme, a signed integer rendered back to its decimal text form.
func readLengthEncodedString(d *decoder) (string, error) {
	kind, value, err := lengthControl(d)
	if err != nil {
		return "", err
	}
	if kind == 0b11 {
		n, err := specialInteger(d, value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", n), nil
	}
	length, err := plainLength(d, kind, value)
	if err != nil {
		return "", err
	}
	b, err := d.take(length)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readLengthEncodedInt(d *decoder) (int32, error) {
	kind, value, err := lengthControl(d)
	if err != nil {
		return 0, err
	}
	switch kind {
	case 0b00:
		return int32(value), nil
	case 0b11:
		return specialInteger(d, value)
	default:
		return 0, fmt.Errorf("rdb: unexpected length kind %d for integer", kind)
	}
}

func lengthControl(d *decoder) (kind, value byte, err error) {
	first, err := d.byte()
	if err != nil {
		return 0, 0, err
	}
	kind = (first & 0b11000000) >> 6
	value = first &^ 0b11000000
	return kind, value, nil
}

// plainLength resolves the 6-bit / 14-bit / 32-bit-big-endian schemes.
func plainLength(d *decoder, kind, value byte) (int, error) {
	switch kind {
	case 0b00:
		return int(value), nil
	case 0b01:
		next, err := d.byte()
		if err != nil {
			return 0, err
		}
		return int(uint16(value)<<8 | uint16(next)), nil
	case 0b10:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("rdb: unreachable length kind %d", kind)
	}
}

func specialInteger(d *decoder, control byte) (int32, error) {
	switch control {
	case 0:
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		return int32(int8(b)), nil
	case 1:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return int32(int16(binary.LittleEndian.Uint16(b))), nil
	case 2:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return int32(binary.LittleEndian.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("rdb: unsupported special length control %d", control)
	}
}

// LoadInto parses path and seeds ks with every decoded entry.
func LoadInto(ks *storage.Keyspace, path string) error {
	entries, err := Load(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ks.LoadString(e.Key, e.Value, e.ExpiresAt)
	}
	return nil
}

// EmptySnapshot produces a minimal, well-formed, empty snapshot: magic,
// a fixed version, no aux pairs, one empty database, EOF, and a CRC64
// checksum over everything preceding it. This is the payload a primary
// serves a freshly handshaking replica, since this spec requires no
// partial resync and an implementation is free to reply with a fresh
// empty dump rather than a point-in-time copy of the keyspace.
func EmptySnapshot() []byte {
	var buf bytes.Buffer
	buf.WriteString("REDIS")
	buf.WriteString("0011")
	buf.WriteByte(opSelectDB)
	buf.WriteByte(0) // db number, 6-bit encoded as 0
	buf.WriteByte(opResizeDB)
	buf.WriteByte(0)
	buf.WriteByte(0)
	buf.WriteByte(opEOF)
	sum := crc64.Checksum(buf.Bytes(), crcTable)
	sumBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(sumBytes, sum)
	buf.Write(sumBytes)
	return buf.Bytes()
}
