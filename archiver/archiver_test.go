package archiver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveBatch_EmptyIDsIsNoop(t *testing.T) {
	a := NewArchiver(nil, nil, FileConfig{RootFolder: t.TempDir()}, nil)
	ids, err := a.ArchiveBatch(context.Background(), "chan-1", nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
}
