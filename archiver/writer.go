package archiver

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chengine.dev/engine/model"
)

// FileConfig controls how the Archiver lays out and encodes archive files.
type FileConfig struct {
	RootFolder      string
	Compress        bool
	EncryptPassword string   // empty disables encryption
	MessagesPerFile int      // default 1000
	Redactor        *Redactor // nil disables the pre-archive PII pass
}

func (c FileConfig) messagesPerFile() int {
	if c.MessagesPerFile <= 0 {
		return 1000
	}
	return c.MessagesPerFile
}

// fileWriter accumulates ArchiveRecords for one channel into one file,
// closing and reopening a new one every messagesPerFile records. Files are
// grouped under <root>/<channelId>/<day>/.
type fileWriter struct {
	cfg       FileConfig
	channelID string
	day       string

	buf     bytes.Buffer
	count   int
	path    string
}

func newFileWriter(cfg FileConfig, channelID string) *fileWriter {
	return &fileWriter{cfg: cfg, channelID: channelID, day: time.Now().UTC().Format("2006-01-02")}
}

// Write appends one record as a JSON line, rotating to a new file if the
// per-file limit is reached. Returns the path of a file that was just
// closed, or "" if nothing rotated.
func (w *fileWriter) Write(rec model.ArchiveRecord) (closedPath string, err error) {
	rec.RawContent = w.cfg.Redactor.Redact(rec.RawContent)
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("archiver: marshal record %d: %w", rec.MessageID, err)
	}
	w.buf.Write(line)
	w.buf.WriteByte('\n')
	w.count++

	if w.count >= w.cfg.messagesPerFile() {
		return w.Flush()
	}
	return "", nil
}

// Flush closes out the current buffer to a file and resets state for the
// next file, returning the path written (or "" if there was nothing to
// write).
func (w *fileWriter) Flush() (string, error) {
	if w.count == 0 {
		return "", nil
	}

	payload := w.buf.Bytes()
	ext := "json"
	if w.cfg.Compress {
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		if _, err := zw.Write(payload); err != nil {
			return "", fmt.Errorf("archiver: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("archiver: gzip close: %w", err)
		}
		payload = gz.Bytes()
		ext += ".gz"
	}
	if w.cfg.EncryptPassword != "" {
		enc, err := encryptEnvelope(w.cfg.EncryptPassword, payload)
		if err != nil {
			return "", err
		}
		payload = enc
		ext += ".enc"
	}

	dir := filepath.Join(w.cfg.RootFolder, w.channelID, w.day)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("archiver: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("messages_%d.%s", time.Now().UnixNano(), ext))
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return "", fmt.Errorf("archiver: write %s: %w", path, err)
	}

	w.buf.Reset()
	w.count = 0
	return path, nil
}
