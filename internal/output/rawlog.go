// Package output captures inbound stream payloads to disk for later replay
// and inspection.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pose-stream-go/internal/ingest"
)

const (
	rawLogMagic  = "POSERAW1"
	headerSize   = 13
	maxRecordLen = 64 << 20
)

var ErrBadMagic = errors.New("not a raw log file")

// RawRecord is one captured inbound payload.
type RawRecord struct {
	Time    time.Time
	Kind    ingest.Kind
	Payload []byte
}

// RawLogWriter appends records as
// [unix nanos uint64][kind uint8][length uint32][payload], little endian,
// after an 8 byte magic.
type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

func (r *RawLogWriter) Record(kind ingest.Kind, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	header[8] = byte(kind)
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(payload); err != nil {
		return err
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

type RawLogReader struct {
	r *bufio.Reader
}

// NewRawLogReader checks the magic and positions r at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	return &RawLogReader{r: br}, nil
}

// Next returns the next record, or io.EOF after the last complete one. A
// truncated trailing record also ends the log.
func (l *RawLogReader) Next() (RawRecord, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(l.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	size := binary.LittleEndian.Uint32(header[9:13])
	if size > maxRecordLen {
		return RawRecord{}, fmt.Errorf("record of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return RawRecord{}, io.EOF
		}
		return RawRecord{}, err
	}
	return RawRecord{
		Time:    time.Unix(0, int64(binary.LittleEndian.Uint64(header[:8]))),
		Kind:    ingest.Kind(header[8]),
		Payload: payload,
	}, nil
}

// ReadRawLog reads up to limit records from path. A limit of zero reads all.
func ReadRawLog(path string, limit int) ([]RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader, err := NewRawLogReader(f)
	if err != nil {
		return nil, err
	}
	var records []RawRecord
	for limit <= 0 || len(records) < limit {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}
