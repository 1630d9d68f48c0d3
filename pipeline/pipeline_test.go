package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestinationKindHelpers(t *testing.T) {
	assert.Equal(t, "destination_filter:lab-feed", string(destinationFilterKind("lab-feed")))
	assert.Equal(t, "destination_transformer:lab-feed", string(destinationTransformKind("lab-feed")))
	assert.Equal(t, "response_transformer:lab-feed", string(responseTransformKind("lab-feed")))
}

func TestCloneMap(t *testing.T) {
	src := map[string]interface{}{"a": 1, "b": "two"}
	dst := cloneMap(src)
	assert.Equal(t, src, dst)

	dst["a"] = 99
	assert.Equal(t, 1, src["a"], "cloneMap must not alias the source map")
}

func TestToJSON(t *testing.T) {
	out := toJSON(map[string]interface{}{"sourceChannelId": "abc"})
	assert.Contains(t, out, `"sourceChannelId":"abc"`)
}

func TestToJSON_Empty(t *testing.T) {
	assert.Equal(t, "{}", toJSON(map[string]interface{}{}))
}

func TestAsEngineErr_Nil(t *testing.T) {
	found := asEngineErr(nil, nil)
	assert.False(t, found)
}

func TestTrackerLifecycle(t *testing.T) {
	tr := newTracker(2)
	tr.start(1)
	tr.start(2)
	// third start evicts the oldest entry.
	tr.start(3)

	snap := tr.Snapshot()
	assert.Len(t, snap, 2)

	tr.finish(3, nil)
	for _, r := range tr.Snapshot() {
		if r.MessageID == 3 {
			assert.Equal(t, runStatusCompleted, r.Status)
		}
	}
}

func TestTrackerFinish_WithError(t *testing.T) {
	tr := newTracker(10)
	tr.start(5)
	tr.finish(5, assert.AnError)

	snap := tr.Snapshot()
	assert.Len(t, snap, 1)
	assert.Equal(t, runStatusFailed, snap[0].Status)
	assert.NotEmpty(t, snap[0].Err)
}
