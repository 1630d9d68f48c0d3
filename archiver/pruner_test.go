package archiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunk_SplitsIntoBoundedBatches(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5}
	batches := chunk(ids, 2)
	assert.Equal(t, [][]int64{{1, 2}, {3, 4}, {5}}, batches)
}

func TestChunk_EmptyInput(t *testing.T) {
	assert.Nil(t, chunk(nil, 10))
}

func TestRemoveID_DropsOnlyMatchingEntry(t *testing.T) {
	ids := []string{"a", "b", "c", "b"}
	out := removeID(ids, "b")
	assert.Equal(t, []string{"a", "c"}, out)
}

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 1000, cfg.pruningBlockSize())
	assert.Equal(t, 50, cfg.archivingBlockSize())
	assert.True(t, cfg.pollingInterval() > 0)

	skip := cfg.skipStatuses()
	assert.Len(t, skip, 3)
}
