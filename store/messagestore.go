package store

import (
	"context"
	"sync"
	"time"

	"chengine.dev/engine/engineerr"
	"chengine.dev/engine/model"
)

// MessageStore implements the Message Store over a pooled pgx connection.
// Table name fragments are computed once per channel at deploy time and
// cached.
type MessageStore struct {
	pool   *Pool
	mu     sync.RWMutex
	tables map[string]tableNames // channelID -> names
}

func NewMessageStore(pool *Pool) *MessageStore {
	return &MessageStore{pool: pool, tables: make(map[string]tableNames)}
}

// Pool exposes the underlying connection pool for callers that need raw
// queries outside the store's own operations (the admin surface, tests).
func (s *MessageStore) Pool() *Pool { return s.pool }

func (s *MessageStore) register(channelID string) tableNames {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := namesFor(sanitize(channelID))
	s.tables[channelID] = n
	return n
}

func (s *MessageStore) namesOrRegister(channelID string) tableNames {
	s.mu.RLock()
	n, ok := s.tables[channelID]
	s.mu.RUnlock()
	if ok {
		return n
	}
	return s.register(channelID)
}

// Deploy ensures the channel's tables exist and caches their names. Must be
// called once before any other operation for that channel.
func (s *MessageStore) Deploy(ctx context.Context, channelID string) error {
	if err := s.EnsureChannelTables(ctx, channelID); err != nil {
		return err
	}
	s.register(channelID)
	return nil
}

// NextMessageID allocates a strictly increasing 64-bit id for the channel.
// It runs as its own statement on the pool, not inside a transaction shared
// with the caller's Message insert.
func (s *MessageStore) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	n := s.namesOrRegister(channelID)
	var id int64
	row := s.pool.QueryRow(ctx,
		"UPDATE "+n.M+"_seq SET next_id = next_id + 1 RETURNING next_id - 1")
	if err := row.Scan(&id); err != nil {
		return 0, classifyPgError("store.NextMessageID", err)
	}
	return id, nil
}

// InsertMessage writes the Message row.
func (s *MessageStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	n := s.namesOrRegister(msg.ChannelID)
	err := s.pool.Exec(ctx,
		"INSERT INTO "+n.M+" (id, server_id, received_date, processed, original_id, import_id, import_channel_id) VALUES ($1,$2,$3,$4,$5,$6,$7)",
		msg.ID, msg.ServerID, msg.ReceivedDate, msg.Processed, msg.OriginalID, msg.ImportID, msg.ImportChannelID)
	if err != nil {
		return err
	}
	return nil
}

// InsertConnectorMessage writes a ConnectorMessage row and bumps its
// channel's RECEIVED statistic.
func (s *MessageStore) InsertConnectorMessage(ctx context.Context, cm *model.ConnectorMessage) error {
	n := s.namesOrRegister(cm.ChannelID)
	err := s.pool.Exec(ctx,
		"INSERT INTO "+n.MM+" (message_id, metadata_id, received_date, status, connector_name, send_attempts, error_code, chain_id, order_id) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)",
		cm.MessageID, cm.MetaDataID, cm.ReceivedDate, string(cm.Status), cm.ConnectorName, cm.SendAttempts, cm.ErrorCode, cm.ChainID, cm.OrderID)
	if err != nil {
		return err
	}
	return s.bumpStat(ctx, cm.ChannelID, cm.MetaDataID, "received")
}

// InsertContent writes a MessageContent row. At most one row exists per
// (ConnectorMessage, content-type); a re-run stage replaces the previous
// row via the upsert.
func (s *MessageStore) InsertContent(ctx context.Context, channelID string, c *model.MessageContent) error {
	n := s.namesOrRegister(channelID)
	return s.pool.Exec(ctx,
		`INSERT INTO `+n.MC+` (message_id, metadata_id, content_type, content, data_type, is_encrypted)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (message_id, metadata_id, content_type)
		 DO UPDATE SET content = EXCLUDED.content, data_type = EXCLUDED.data_type, is_encrypted = EXCLUDED.is_encrypted`,
		c.MessageID, c.MetaDataID, int(c.ContentType), c.Content, c.DataType, c.IsEncrypted)
}

// UpdateConnectorMessageStatus persists a status change. The caller (the
// pipeline) is responsible for not calling with a regressing status;
// model.Status.Transition is the enforcement point.
func (s *MessageStore) UpdateConnectorMessageStatus(ctx context.Context, channelID string, messageID int64, metaDataID int, newStatus model.Status, ts time.Time) error {
	n := s.namesOrRegister(channelID)
	err := s.pool.Exec(ctx,
		"UPDATE "+n.MM+" SET status=$1, response_date=$2 WHERE message_id=$3 AND metadata_id=$4",
		string(newStatus), ts, messageID, metaDataID)
	if err != nil {
		return err
	}
	return s.bumpStat(ctx, channelID, metaDataID, statColumn(newStatus))
}

// SetErrorCode persists the numeric ERROR_CODE bitmask and the send-attempt
// count already set on the in-memory ConnectorMessage. The bit-specific
// error detail text is not written; the channel tables have no column for
// it.
func (s *MessageStore) SetErrorCode(ctx context.Context, cm *model.ConnectorMessage) error {
	n := s.namesOrRegister(cm.ChannelID)
	return s.pool.Exec(ctx,
		"UPDATE "+n.MM+" SET error_code=$1, send_attempts=$2 WHERE message_id=$3 AND metadata_id=$4",
		cm.ErrorCode, cm.SendAttempts, cm.MessageID, cm.MetaDataID)
}

// MarkProcessed sets Message.PROCESSED=1; once set, the Pruner may touch
// the row.
func (s *MessageStore) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	n := s.namesOrRegister(channelID)
	return s.pool.Exec(ctx, "UPDATE "+n.M+" SET processed=TRUE WHERE id=$1", messageID)
}

func statColumn(status model.Status) string {
	switch status {
	case model.StatusFiltered:
		return "filtered"
	case model.StatusTransformed:
		return "transformed"
	case model.StatusPending:
		return "pending"
	case model.StatusSent:
		return "sent"
	case model.StatusError:
		return "error"
	default:
		return "received"
	}
}

func (s *MessageStore) bumpStat(ctx context.Context, channelID string, metaDataID int, column string) error {
	n := s.namesOrRegister(channelID)
	err := s.pool.Exec(ctx,
		"INSERT INTO "+n.MS+" (metadata_id, "+column+") VALUES ($1,1) ON CONFLICT (metadata_id) DO UPDATE SET "+column+" = "+n.MS+"."+column+" + 1",
		metaDataID)
	if err != nil {
		// Statistics-table failures are best-effort and must not fail the
		// pipeline stage that triggered them, but they are still surfaced to
		// the caller as a distinguishable error kind so the engine can decide
		// (per-deployment) whether to log-and-continue or escalate. The
		// default decision is log-and-continue.
		return engineerr.Storage("store.bumpStat", engineerr.StorageTransient, "statistics update failed, continuing", err)
	}
	return nil
}

// PruneCandidate is a row returned by GetMessagesToPrune.
type PruneCandidate struct {
	MessageID    int64
	ReceivedDate time.Time
}

// GetMessagesToPrune returns message ids eligible for deletion: all
// ConnectorMessages for the message have status not in skipStatuses, and
// (if skipIncomplete) processed=true.
func (s *MessageStore) GetMessagesToPrune(ctx context.Context, channelID string, before time.Time, limit int, skipStatuses []model.Status, skipIncomplete bool) ([]int64, error) {
	n := s.namesOrRegister(channelID)
	args := []interface{}{before, limit}
	query := "SELECT m.id FROM " + n.M + " m WHERE m.received_date < $1"
	if skipIncomplete {
		query += " AND m.processed = TRUE"
	}
	query += ` AND NOT EXISTS (
		SELECT 1 FROM ` + n.MM + ` mm WHERE mm.message_id = m.id AND mm.status = ANY($3)
	) LIMIT $2`
	statusStrs := make([]string, len(skipStatuses))
	for i, st := range skipStatuses {
		statusStrs[i] = string(st)
	}
	args = append(args, statusStrs)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classifyPgError("store.GetMessagesToPrune", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PruneMessages deletes full rows for the given ids across the five
// per-message tables (MC, MA, MM, MCM, then M), in dependency order, within
// one transaction; the statistics table is left as it is. Returns the count of
// Messages removed. Calling it twice with the same ids is idempotent: the
// second call deletes nothing and returns 0.
func (s *MessageStore) PruneMessages(ctx context.Context, channelID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n := s.namesOrRegister(channelID)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	for _, tbl := range []string{n.MC, n.MA, n.MM, n.MCM} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+tbl+" WHERE message_id = ANY($1)", ids); err != nil {
			return 0, classifyPgError("store.PruneMessages", err)
		}
	}
	tag, err := tx.Exec(ctx, "DELETE FROM "+n.M+" WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, classifyPgError("store.PruneMessages", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPgError("store.PruneMessages", err)
	}
	return int(tag.RowsAffected()), nil
}

// FetchForArchive loads the flattened ArchiveRecord shape for a batch of
// message ids: the raw source content and every connector's terminal
// status, merged in Go since the three source tables shard independently.
func (s *MessageStore) FetchForArchive(ctx context.Context, channelID string, ids []int64) ([]model.ArchiveRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	n := s.namesOrRegister(channelID)

	byID := make(map[int64]*model.ArchiveRecord, len(ids))
	order := make([]int64, 0, len(ids))

	rows, err := s.pool.Query(ctx, "SELECT id, server_id, received_date FROM "+n.M+" WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var rec model.ArchiveRecord
		if err := rows.Scan(&rec.MessageID, &rec.ServerID, &rec.ReceivedDate); err != nil {
			rows.Close()
			return nil, classifyPgError("store.FetchForArchive", err)
		}
		r := rec
		byID[rec.MessageID] = &r
		order = append(order, rec.MessageID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	contentRows, err := s.pool.Query(ctx,
		"SELECT message_id, content FROM "+n.MC+" WHERE metadata_id = 0 AND content_type = $1 AND message_id = ANY($2)",
		int(model.ContentRaw), ids)
	if err != nil {
		return nil, err
	}
	for contentRows.Next() {
		var messageID int64
		var content string
		if err := contentRows.Scan(&messageID, &content); err != nil {
			contentRows.Close()
			return nil, classifyPgError("store.FetchForArchive", err)
		}
		if rec, ok := byID[messageID]; ok {
			rec.RawContent = content
		}
	}
	contentRows.Close()
	if err := contentRows.Err(); err != nil {
		return nil, err
	}

	connRows, err := s.pool.Query(ctx,
		"SELECT message_id, metadata_id, connector_name, status, error_code FROM "+n.MM+" WHERE message_id = ANY($1) ORDER BY metadata_id", ids)
	if err != nil {
		return nil, err
	}
	for connRows.Next() {
		var messageID int64
		var c model.ArchiveConnectorRecord
		var status string
		if err := connRows.Scan(&messageID, &c.MetaDataID, &c.ConnectorName, &status, &c.ErrorCode); err != nil {
			connRows.Close()
			return nil, classifyPgError("store.FetchForArchive", err)
		}
		c.Status = status
		if rec, ok := byID[messageID]; ok {
			rec.Connectors = append(rec.Connectors, c)
		}
	}
	connRows.Close()
	if err := connRows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.ArchiveRecord, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// PruneMessageContent deletes only MC and MA rows, for content-only
// retention (the channel's pruneContentDays policy).
func (s *MessageStore) PruneMessageContent(ctx context.Context, channelID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	n := s.namesOrRegister(channelID)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, tbl := range []string{n.MC, n.MA} {
		if _, err := tx.Exec(ctx, "DELETE FROM "+tbl+" WHERE message_id = ANY($1)", ids); err != nil {
			return classifyPgError("store.PruneMessageContent", err)
		}
	}
	return tx.Commit(ctx)
}
