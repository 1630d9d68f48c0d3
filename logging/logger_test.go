package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	l := New(Config{Level: LevelDebug, Format: "json"})
	var buf bytes.Buffer
	l.SetOutput(&buf)
	return NewContext(l, nil), &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestContext_FieldsAccumulate(t *testing.T) {
	c, buf := captureJSON(t)
	c.ForChannel("lab-results", 42).WithField("stage", "dispatch").Info("sent")

	entry := lastEntry(t, buf)
	assert.Equal(t, "lab-results", entry["channel_id"])
	assert.Equal(t, float64(42), entry["message_id"])
	assert.Equal(t, "dispatch", entry["stage"])
	assert.Equal(t, "sent", entry["msg"])
}

func TestContext_IsImmutable(t *testing.T) {
	c, buf := captureJSON(t)
	scoped := c.WithField("channel_id", "a")
	_ = scoped.WithField("channel_id", "b") // must not leak back into scoped

	scoped.Info("check")
	entry := lastEntry(t, buf)
	assert.Equal(t, "a", entry["channel_id"])
}

func TestStage_LogsDurationAndError(t *testing.T) {
	c, buf := captureJSON(t)

	err := Stage(c, "transform", func() error { return errors.New("script blew up") })
	require.Error(t, err)
	entry := lastEntry(t, buf)
	assert.Equal(t, "transform", entry["stage"])
	assert.Contains(t, entry, "duration_ms")
	assert.Equal(t, "script blew up", entry["error"])

	require.NoError(t, Stage(c, "transform", func() error { return nil }))
	entry = lastEntry(t, buf)
	assert.Equal(t, "stage completed", entry["msg"])
}

func TestRecoverPanic_SwallowsAndLogs(t *testing.T) {
	c, buf := captureJSON(t)

	func() {
		defer RecoverPanic(c)
		panic("worker exploded")
	}()

	entry := lastEntry(t, buf)
	assert.Contains(t, entry["panic"], "worker exploded")
	assert.NotEmpty(t, entry["stacktrace"])
}

func TestRequestIDPropagation(t *testing.T) {
	c, buf := captureJSON(t)
	ctx := WithRequestID(context.Background(), "req-123")
	FromContext(ctx, c).Info("handled")

	entry := lastEntry(t, buf)
	assert.Equal(t, "req-123", entry["request_id"])

	// A context without an id adds nothing.
	FromContext(context.Background(), c).Info("plain")
	entry = lastEntry(t, buf)
	_, found := entry["request_id"]
	assert.False(t, found)
}

func TestNew_LevelMapping(t *testing.T) {
	assert.Equal(t, logrus.WarnLevel, New(Config{Level: LevelWarn}).GetLevel())
	assert.Equal(t, logrus.InfoLevel, New(Config{Level: "bogus"}).GetLevel())
}
