package npy

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
)

// Writer publishes records to a fixed path. Every Write replaces the file in
// one rename, so a reader sees either the previous snapshot or the new one.
type Writer struct {
	path string
	perm os.FileMode
	buf  bytes.Buffer
}

func NewWriter(path string) *Writer {
	return &Writer{path: path, perm: 0644}
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Write(rec *Record) error {
	w.buf.Reset()
	if err := Encode(&w.buf, rec); err != nil {
		return err
	}
	if err := renameio.WriteFile(w.path, w.buf.Bytes(), w.perm); err != nil {
		return fmt.Errorf("npy: replacing %s: %w", w.path, err)
	}
	return nil
}

// ReadFile decodes the snapshot at path.
func ReadFile(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
