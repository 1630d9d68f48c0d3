package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chengine.dev/engine/engineerr"
	"chengine.dev/engine/model"
)

func TestNamesFor(t *testing.T) {
	n := namesFor("3f6c_1b2a")
	assert.Equal(t, "m3f6c_1b2a", n.M)
	assert.Equal(t, "mm3f6c_1b2a", n.MM)
	assert.Equal(t, "mc3f6c_1b2a", n.MC)
	assert.Equal(t, "ma3f6c_1b2a", n.MA)
	assert.Equal(t, "mcm3f6c_1b2a", n.MCM)
	assert.Equal(t, "ms3f6c_1b2a", n.MS)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c", sanitize("a-b-c"))
	assert.Equal(t, "plain", sanitize("plain"))
}

func TestStatColumn(t *testing.T) {
	tests := []struct {
		status model.Status
		column string
	}{
		{model.StatusReceived, "received"},
		{model.StatusFiltered, "filtered"},
		{model.StatusTransformed, "transformed"},
		{model.StatusPending, "pending"},
		{model.StatusSent, "sent"},
		{model.StatusError, "error"},
		{model.StatusQueued, "received"}, // QUEUED has no dedicated counter
	}
	for _, tt := range tests {
		assert.Equal(t, tt.column, statColumn(tt.status))
	}
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sub  engineerr.StorageSubkind
	}{
		{"connection refused", errors.New(`dial tcp 127.0.0.1:5432: connection refused`), engineerr.StorageTransient},
		{"io timeout", errors.New(`read tcp: i/o timeout`), engineerr.StorageTransient},
		{"duplicate key", errors.New(`ERROR: duplicate key value violates unique constraint "mm_pkey" (SQLSTATE 23505)`), engineerr.StorageConflict},
		{"deadlock", errors.New(`ERROR: deadlock detected (SQLSTATE 40P01)`), engineerr.StorageConflict},
		{"missing table", errors.New(`ERROR: relation "mlab" does not exist (SQLSTATE 42P01)`), engineerr.StorageMissingTables},
		{"anything else", errors.New(`ERROR: out of disk`), engineerr.StorageFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyPgError("store.test", tt.err)
			var ee *engineerr.Error
			require.ErrorAs(t, classified, &ee)
			assert.Equal(t, engineerr.KindStorage, ee.Kind)
			assert.Equal(t, string(tt.sub), ee.Sub)
		})
	}

	assert.NoError(t, classifyPgError("store.test", nil))
}

func TestMessageStore_RegistersTableNamesOnce(t *testing.T) {
	s := NewMessageStore(nil)
	n1 := s.namesOrRegister("lab-results")
	n2 := s.namesOrRegister("lab-results")
	assert.Equal(t, n1, n2)
	assert.Equal(t, "mlab_results", n1.M)
}
