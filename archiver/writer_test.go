package archiver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chengine.dev/engine/model"
)

func testRecord(id int64) model.ArchiveRecord {
	return model.ArchiveRecord{
		MessageID:    id,
		ServerID:     "srv-1",
		ReceivedDate: time.Unix(0, 0).UTC(),
		RawContent:   "MSH|^~\\&|",
		Connectors: []model.ArchiveConnectorRecord{
			{MetaDataID: 1, ConnectorName: "source", Status: "SENT"},
		},
	}
}

func TestFileWriter_RotatesAtMessagesPerFile(t *testing.T) {
	dir := t.TempDir()
	w := newFileWriter(FileConfig{RootFolder: dir, MessagesPerFile: 2}, "chan-1")

	closed, err := w.Write(testRecord(1))
	require.NoError(t, err)
	assert.Empty(t, closed, "should not rotate after one record")

	closed, err = w.Write(testRecord(2))
	require.NoError(t, err)
	assert.NotEmpty(t, closed, "should rotate after hitting the per-file limit")
	assertFileHasLines(t, closed, 2)
}

func TestFileWriter_FlushWithPartialBuffer(t *testing.T) {
	dir := t.TempDir()
	w := newFileWriter(FileConfig{RootFolder: dir, MessagesPerFile: 10}, "chan-1")

	_, err := w.Write(testRecord(1))
	require.NoError(t, err)

	path, err := w.Flush()
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assertFileHasLines(t, path, 1)

	// A second flush with nothing buffered writes nothing.
	path, err = w.Flush()
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestFileWriter_CompressedExtension(t *testing.T) {
	dir := t.TempDir()
	w := newFileWriter(FileConfig{RootFolder: dir, MessagesPerFile: 1, Compress: true}, "chan-1")

	path, err := w.Write(testRecord(1))
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, ".json.gz"))
}

func TestFileWriter_EncryptedExtension(t *testing.T) {
	dir := t.TempDir()
	w := newFileWriter(FileConfig{RootFolder: dir, MessagesPerFile: 1, EncryptPassword: "s3cret"}, "chan-1")

	path, err := w.Write(testRecord(1))
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.True(t, strings.HasSuffix(path, ".json.enc"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	dec, err := decryptEnvelope("s3cret", raw)
	require.NoError(t, err)
	assert.Contains(t, string(dec), `"messageId":1`)
}

func assertFileHasLines(t *testing.T, path string, n int) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, n)
	for _, line := range lines {
		var rec model.ArchiveRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
	}
	assert.Equal(t, filepath.Base(filepath.Dir(filepath.Dir(path))), "chan-1")
}
