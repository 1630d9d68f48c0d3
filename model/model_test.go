package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizedID(t *testing.T) {
	cfg := ChannelConfig{ID: "3f6c-1b2a-lab"}
	assert.Equal(t, "3f6c_1b2a_lab", cfg.SanitizedID())

	cfg.ID = "nohyphens"
	assert.Equal(t, "nohyphens", cfg.SanitizedID())
}

func TestSetErrorBit(t *testing.T) {
	cm := &ConnectorMessage{}

	cm.SetErrorBit(ErrorBitProcessing, "send failed")
	assert.Equal(t, 1, cm.ErrorCode)
	assert.Equal(t, "send failed", cm.ProcessingError)

	cm.SetErrorBit(ErrorBitResponse, "bad ack")
	assert.Equal(t, 5, cm.ErrorCode, "bits accumulate")
	assert.Equal(t, "bad ack", cm.ResponseError)
	assert.Equal(t, "send failed", cm.ProcessingError, "other details untouched")

	cm.SetErrorBit(ErrorBitPostprocessor, "script died")
	assert.Equal(t, 7, cm.ErrorCode)
	assert.Equal(t, "script died", cm.PostprocessorError)
}

func TestIsSource(t *testing.T) {
	assert.True(t, (&ConnectorMessage{MetaDataID: 0}).IsSource())
	assert.False(t, (&ConnectorMessage{MetaDataID: 1}).IsSource())
}

// Round-trip property: serializing an ArchiveRecord to the archive JSON
// format and back yields an equal object.
func TestArchiveRecord_JSONRoundTrip(t *testing.T) {
	rec := ArchiveRecord{
		MessageID:    42,
		ServerID:     "node-1",
		ReceivedDate: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		RawContent:   "<v>ok</v>",
		Connectors: []ArchiveConnectorRecord{
			{MetaDataID: 0, ConnectorName: "Source", Status: "TRANSFORMED"},
			{MetaDataID: 1, ConnectorName: "emr", Status: "SENT"},
			{MetaDataID: 2, ConnectorName: "ris", Status: "ERROR", ErrorCode: 1},
		},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded ArchiveRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, decoded)
}
