// Package npy reads and writes the published history snapshot: a single
// NumPy structured record with an "arr" field (lookback slots x sensors,
// little-endian uint16) and a "timestamp" field (4 little-endian uint32 words
// of a 128-bit unix time, least significant first).
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

const (
	headerAlign = 64
	preludeV1   = 10 // magic(6) + version(2) + header length(2)

	// largest snapshot Decode will allocate for
	maxValues = 1 << 20
)

var magic = []byte("\x93NUMPY")

var ErrFormat = errors.New("npy: unsupported or corrupt snapshot")

// Record is one snapshot: Rows x Cols readings and the 128-bit timestamp.
type Record struct {
	Rows      int
	Cols      int
	Values    []uint16
	Timestamp [4]uint32
}

// TimestampWords widens unix seconds to the 4-word layout.
func TimestampWords(sec uint64) [4]uint32 {
	return [4]uint32{uint32(sec), uint32(sec >> 32), 0, 0}
}

// Seconds returns the low 64 bits of the timestamp.
func (r *Record) Seconds() uint64 {
	return uint64(r.Timestamp[0]) | uint64(r.Timestamp[1])<<32
}

// Row returns the readings for lookback slot i.
func (r *Record) Row(i int) []uint16 {
	return r.Values[i*r.Cols : (i+1)*r.Cols]
}

func descr(rows, cols int) string {
	return fmt.Sprintf("[('arr', '<u2', (%d, %d)), ('timestamp', '<u4', (4,))]", rows, cols)
}

func header(rows, cols int) []byte {
	dict := fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (1,), }", descr(rows, cols))

	// pad with spaces so the data starts aligned, header ends in a newline
	total := preludeV1 + len(dict) + 1
	pad := (headerAlign - total%headerAlign) % headerAlign

	var b bytes.Buffer
	b.Grow(total + pad)
	b.Write(magic)
	b.Write([]byte{1, 0})
	binary.Write(&b, binary.LittleEndian, uint16(len(dict)+pad+1))
	b.WriteString(dict)
	b.Write(bytes.Repeat([]byte{' '}, pad))
	b.WriteByte('\n')
	return b.Bytes()
}

// Encode writes rec as a complete .npy file.
func Encode(w io.Writer, rec *Record) error {
	if rec.Rows <= 0 || rec.Cols <= 0 {
		return fmt.Errorf("npy: invalid shape %dx%d", rec.Rows, rec.Cols)
	}
	if len(rec.Values) != rec.Rows*rec.Cols {
		return fmt.Errorf("npy: %d values for shape %dx%d", len(rec.Values), rec.Rows, rec.Cols)
	}

	if _, err := w.Write(header(rec.Rows, rec.Cols)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, rec.Values); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, rec.Timestamp)
}

// EncodedSize is the exact file size Encode produces for the given shape.
func EncodedSize(rows, cols int) int {
	return len(header(rows, cols)) + rows*cols*2 + 4*4
}

var (
	arrFieldRe = regexp.MustCompile(`\('arr', '<u2', \((\d+), (\d+)\)\)`)
	tsFieldRe  = regexp.MustCompile(`\('timestamp', '<u4', \(4,\)\)`)
	shapeRe    = regexp.MustCompile(`'shape': \(1,\)`)
	fortranRe  = regexp.MustCompile(`'fortran_order': False`)
)

// Decode reads a snapshot written by Encode (or by numpy with the same dtype).
func Decode(r io.Reader) (*Record, error) {
	br := bufio.NewReader(r)

	prelude := make([]byte, 8)
	if _, err := io.ReadFull(br, prelude); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if !bytes.Equal(prelude[:6], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}

	var headerLen int
	switch prelude[6] {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("%w: version %d.%d", ErrFormat, prelude[6], prelude[7])
	}

	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}

	m := arrFieldRe.FindSubmatch(hdr)
	if m == nil || !tsFieldRe.Match(hdr) || !shapeRe.Match(hdr) || !fortranRe.Match(hdr) {
		return nil, fmt.Errorf("%w: unexpected header %q", ErrFormat, bytes.TrimSpace(hdr))
	}
	rows, rerr := strconv.Atoi(string(m[1]))
	cols, cerr := strconv.Atoi(string(m[2]))
	if rerr != nil || cerr != nil || rows <= 0 || cols <= 0 || rows > maxValues/cols {
		return nil, fmt.Errorf("%w: shape (%s, %s)", ErrFormat, m[1], m[2])
	}

	rec := &Record{Rows: rows, Cols: cols, Values: make([]uint16, rows*cols)}
	if err := binary.Read(br, binary.LittleEndian, rec.Values); err != nil {
		return nil, fmt.Errorf("%w: short data: %v", ErrFormat, err)
	}
	if err := binary.Read(br, binary.LittleEndian, &rec.Timestamp); err != nil {
		return nil, fmt.Errorf("%w: short timestamp: %v", ErrFormat, err)
	}
	return rec, nil
}
