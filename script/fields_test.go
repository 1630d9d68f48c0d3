package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetField(t *testing.T) {
	data := map[string]interface{}{
		"result": map[string]interface{}{
			"contentUrl": "https://example.org/report.pdf",
			"pages":      3,
		},
		"status": "done",
	}

	v, err := GetField(data, "result.contentUrl")
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/report.pdf", v)

	v, err = GetField(data, "status")
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	_, err = GetField(data, "result.missing")
	assert.Error(t, err)

	_, err = GetField(data, "status.nested")
	assert.Error(t, err, "cannot navigate through a scalar")

	_, err = GetField(nil, "anything")
	assert.Error(t, err)
}

func TestSetField(t *testing.T) {
	data := map[string]interface{}{}

	require.NoError(t, SetField(data, "patient.mrn", "12345"))
	v, err := GetField(data, "patient.mrn")
	require.NoError(t, err)
	assert.Equal(t, "12345", v)

	require.NoError(t, SetField(data, "patient.mrn", "67890"))
	v, _ = GetField(data, "patient.mrn")
	assert.Equal(t, "67890", v)

	require.NoError(t, SetField(data, "top", 1))
	assert.Equal(t, 1, data["top"])

	err = SetField(data, "top.nested", 2)
	assert.Error(t, err, "cannot create an object under a scalar")
}

func TestMergeFields(t *testing.T) {
	dest := map[string]interface{}{"a": 1, "b": 2}
	MergeFields(dest, map[string]interface{}{"b": 99, "c": 3})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 99, "c": 3}, dest)

	// nil on either side is a no-op, not a panic.
	MergeFields(nil, map[string]interface{}{"x": 1})
	MergeFields(dest, nil)
	assert.Len(t, dest, 3)
}
