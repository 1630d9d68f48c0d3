//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"chengine.dev/engine/model"
)

// setupPostgres starts a PostgreSQL container and returns a pgx DSN.
func setupPostgres(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
}

func newTestStore(t *testing.T) *MessageStore {
	pool, err := NewPool(context.Background(), setupPostgres(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewMessageStore(pool)
}

func insertTestMessage(t *testing.T, s *MessageStore, channelID string, received time.Time, status model.Status, processed bool) int64 {
	t.Helper()
	ctx := context.Background()

	id, err := s.NextMessageID(ctx, channelID)
	require.NoError(t, err)
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: id, ChannelID: channelID, ServerID: "node-1", ReceivedDate: received}))
	require.NoError(t, s.InsertConnectorMessage(ctx, &model.ConnectorMessage{
		MessageID: id, ChannelID: channelID, MetaDataID: 0, Status: status, ConnectorName: "Source", ReceivedDate: received,
	}))
	require.NoError(t, s.InsertContent(ctx, channelID, &model.MessageContent{
		MessageID: id, MetaDataID: 0, ContentType: model.ContentRaw, Content: "<v>ok</v>", DataType: "text/plain",
	}))
	if processed {
		require.NoError(t, s.MarkProcessed(ctx, channelID, id))
	}
	return id
}

func TestIntegration_DeployIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Deploy(ctx, "lab-results"))
	require.NoError(t, s.Deploy(ctx, "lab-results"), "re-deploying must not fail or reset the sequence")

	id1, err := s.NextMessageID(ctx, "lab-results")
	require.NoError(t, err)
	require.NoError(t, s.Deploy(ctx, "lab-results"))
	id2, err := s.NextMessageID(ctx, "lab-results")
	require.NoError(t, err)
	assert.Greater(t, id2, id1, "sequence survives re-deploy")
}

// messageId within a channel is strictly monotone in allocation order, and
// channels do not share a sequence.
func TestIntegration_NextMessageIDMonotonePerChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Deploy(ctx, "chan-a"))
	require.NoError(t, s.Deploy(ctx, "chan-b"))

	var prev int64
	for i := 0; i < 5; i++ {
		id, err := s.NextMessageID(ctx, "chan-a")
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}

	idB, err := s.NextMessageID(ctx, "chan-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), idB, "each channel has its own sequence")
}

func TestIntegration_NextMessageIDMissingTables(t *testing.T) {
	s := newTestStore(t)
	_, err := s.NextMessageID(context.Background(), "never-deployed")
	assert.Error(t, err)
}

func TestIntegration_ContentUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))
	id := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusReceived, false)

	// A second write for the same (message, metadata, type) replaces, never
	// duplicates: at most one row per content type.
	require.NoError(t, s.InsertContent(ctx, "lab-results", &model.MessageContent{
		MessageID: id, MetaDataID: 0, ContentType: model.ContentRaw, Content: "updated", DataType: "text/plain",
	}))

	rows, err := s.pool.Query(ctx, "SELECT content FROM mclab_results WHERE message_id=$1 AND metadata_id=0 AND content_type=$2", id, int(model.ContentRaw))
	require.NoError(t, err)
	defer rows.Close()
	var contents []string
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		contents = append(contents, c)
	}
	assert.Equal(t, []string{"updated"}, contents)
}

func TestIntegration_StatusUpdateAndStatistics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))
	id := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusReceived, false)

	require.NoError(t, s.UpdateConnectorMessageStatus(ctx, "lab-results", id, 0, model.StatusTransformed, time.Now()))

	var status string
	row := s.pool.QueryRow(ctx, "SELECT status FROM mmlab_results WHERE message_id=$1 AND metadata_id=0", id)
	require.NoError(t, row.Scan(&status))
	assert.Equal(t, "TRANSFORMED", status)

	var received, transformed int64
	row = s.pool.QueryRow(ctx, "SELECT received, transformed FROM mslab_results WHERE metadata_id=0")
	require.NoError(t, row.Scan(&received, &transformed))
	assert.Equal(t, int64(1), received)
	assert.Equal(t, int64(1), transformed)
}

func TestIntegration_GetMessagesToPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))

	old := time.Now().Add(-40 * 24 * time.Hour)
	oldDone := insertTestMessage(t, s, "lab-results", old, model.StatusSent, true)
	oldQueued := insertTestMessage(t, s, "lab-results", old, model.StatusQueued, true)
	oldUnprocessed := insertTestMessage(t, s, "lab-results", old, model.StatusSent, false)
	fresh := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusSent, true)

	threshold := time.Now().Add(-30 * 24 * time.Hour)
	ids, err := s.GetMessagesToPrune(ctx, "lab-results", threshold, 1000,
		[]model.Status{model.StatusError, model.StatusQueued, model.StatusPending}, true)
	require.NoError(t, err)

	assert.Contains(t, ids, oldDone)
	assert.NotContains(t, ids, oldQueued, "QUEUED is in skipStatuses")
	assert.NotContains(t, ids, oldUnprocessed, "skipIncomplete excludes unprocessed")
	assert.NotContains(t, ids, fresh, "newer than threshold")

	// With skipIncomplete off, the unprocessed message is eligible.
	ids, err = s.GetMessagesToPrune(ctx, "lab-results", threshold, 1000,
		[]model.Status{model.StatusError, model.StatusQueued, model.StatusPending}, false)
	require.NoError(t, err)
	assert.Contains(t, ids, oldUnprocessed)
}

// Idempotence: pruning the same ids twice removes the rows the first time
// and returns 0 the second.
func TestIntegration_PruneMessagesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))

	id := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusSent, true)

	count, err := s.PruneMessages(ctx, "lab-results", []int64{id})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = s.PruneMessages(ctx, "lab-results", []int64{id})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	var remaining int
	row := s.pool.QueryRow(ctx, "SELECT count(*) FROM mclab_results WHERE message_id=$1", id)
	require.NoError(t, row.Scan(&remaining))
	assert.Equal(t, 0, remaining, "content rows go with the message")
}

func TestIntegration_PruneMessageContentKeepsMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))

	id := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusSent, true)
	require.NoError(t, s.PruneMessageContent(ctx, "lab-results", []int64{id}))

	var contentRows, messageRows int
	row := s.pool.QueryRow(ctx, "SELECT count(*) FROM mclab_results WHERE message_id=$1", id)
	require.NoError(t, row.Scan(&contentRows))
	row = s.pool.QueryRow(ctx, "SELECT count(*) FROM mlab_results WHERE id=$1", id)
	require.NoError(t, row.Scan(&messageRows))

	assert.Equal(t, 0, contentRows)
	assert.Equal(t, 1, messageRows, "metadata survives content-only retention")
}

func TestIntegration_FetchForArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Deploy(ctx, "lab-results"))

	id := insertTestMessage(t, s, "lab-results", time.Now(), model.StatusSent, true)
	require.NoError(t, s.InsertConnectorMessage(ctx, &model.ConnectorMessage{
		MessageID: id, ChannelID: "lab-results", MetaDataID: 1, Status: model.StatusSent, ConnectorName: "emr", ReceivedDate: time.Now(),
	}))

	records, err := s.FetchForArchive(ctx, "lab-results", []int64{id})
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, id, rec.MessageID)
	assert.Equal(t, "<v>ok</v>", rec.RawContent)
	require.Len(t, rec.Connectors, 2)
	assert.Equal(t, 0, rec.Connectors[0].MetaDataID)
	assert.Equal(t, "emr", rec.Connectors[1].ConnectorName)
}
