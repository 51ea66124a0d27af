package npy

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(rows, cols int, fill uint16) *Record {
	values := make([]uint16, rows*cols)
	for i := range values {
		values[i] = fill + uint16(i)
	}
	return &Record{Rows: rows, Cols: cols, Values: values, Timestamp: TimestampWords(1760000000)}
}

func TestEncodeLayout(t *testing.T) {
	var buf bytes.Buffer
	rec := testRecord(16, 3, 0x1600)
	require.NoError(t, Encode(&buf, rec))

	data := buf.Bytes()
	assert.Equal(t, EncodedSize(16, 3), len(data))
	assert.Equal(t, "\x93NUMPY", string(data[:6]))
	assert.Equal(t, []byte{1, 0}, data[6:8])

	headerLen := int(binary.LittleEndian.Uint16(data[8:10]))
	dataStart := 10 + headerLen
	assert.Zero(t, dataStart%64, "data must start on a 64 byte boundary")
	assert.Equal(t, byte('\n'), data[dataStart-1])
	assert.Contains(t, string(data[10:dataStart]),
		"{'descr': [('arr', '<u2', (16, 3)), ('timestamp', '<u4', (4,))], 'fortran_order': False, 'shape': (1,), }")

	// row-major readings, then the timestamp words least significant first
	assert.Equal(t, uint16(0x1600), binary.LittleEndian.Uint16(data[dataStart:]))
	assert.Equal(t, uint16(0x1601), binary.LittleEndian.Uint16(data[dataStart+2:]))
	tsStart := dataStart + 16*3*2
	assert.Equal(t, uint32(1760000000), binary.LittleEndian.Uint32(data[tsStart:]))
	assert.Zero(t, binary.LittleEndian.Uint32(data[tsStart+4:]))
	assert.Zero(t, binary.LittleEndian.Uint32(data[tsStart+8:]))
	assert.Zero(t, binary.LittleEndian.Uint32(data[tsStart+12:]))
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		rows, cols int
	}{
		{16, 3},
		{1, 1},
		{4, 7},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		rec := testRecord(tt.rows, tt.cols, 100)
		require.NoError(t, Encode(&buf, rec))

		got, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestEncodeRejectsShapeMismatch(t *testing.T) {
	rec := testRecord(2, 3, 0)
	rec.Values = rec.Values[:5]
	assert.Error(t, Encode(&bytes.Buffer{}, rec))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testRecord(16, 3, 0)))
	data := buf.Bytes()

	for _, n := range []int{0, 5, 40, len(data) - 1} {
		_, err := Decode(bytes.NewReader(data[:n]))
		assert.ErrorIs(t, err, ErrFormat, "length %d", n)
	}
}

func TestDecodeRejectsOversizedShape(t *testing.T) {
	for _, shape := range [][2]int{{1 << 20, 2}, {100000, 100000}} {
		var buf bytes.Buffer
		buf.Write(header(shape[0], shape[1]))
		buf.Write(make([]byte, 64))

		_, err := Decode(&buf)
		assert.ErrorIs(t, err, ErrFormat, "shape %v", shape)
	}

	dict := "{'descr': [('arr', '<u2', (99999999999999999999, 3)), ('timestamp', '<u4', (4,))], 'fortran_order': False, 'shape': (1,), }\n"
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY\x01\x00")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(dict))))
	buf.WriteString(dict)

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "shape (99999999999999999999, 3)")
}

func TestDecodeRejectsOtherDtype(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, testRecord(2, 2, 0)))
	data := bytes.Replace(buf.Bytes(), []byte("'<u2'"), []byte("'<f4'"), 1)

	_, err := Decode(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestTimestampWords(t *testing.T) {
	words := TimestampWords(0x1_2345_6789)
	assert.Equal(t, [4]uint32{0x2345_6789, 0x1, 0, 0}, words)

	rec := &Record{Timestamp: words}
	assert.Equal(t, uint64(0x1_2345_6789), rec.Seconds())
}

func TestWriterReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempdataline")
	w := NewWriter(path)

	require.NoError(t, w.Write(testRecord(16, 3, 1)))
	require.NoError(t, w.Write(testRecord(16, 3, 2)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), got.Values[0])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(EncodedSize(16, 3)), info.Size())
}

func TestWriterFailsOnMissingDirectory(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "missing", "tempdataline"))
	assert.Error(t, w.Write(testRecord(16, 3, 1)))
}

func TestReadersNeverSeePartialRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tempdataline")
	w := NewWriter(path)
	require.NoError(t, w.Write(testRecord(16, 3, 0)))

	want := EncodedSize(16, 3)
	var stop atomic.Bool
	var bad atomic.Int64
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				data, err := os.ReadFile(path)
				if err != nil || len(data) != want {
					bad.Add(1)
					continue
				}
				if _, err := Decode(bytes.NewReader(data)); err != nil {
					bad.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 300; i++ {
		require.NoError(t, w.Write(testRecord(16, 3, uint16(i))))
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load())
}
