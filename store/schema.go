package store

import (
	"context"
	"fmt"
)

// tableNames holds the six per-channel table names, computed by namesFor
// and cached per channel by MessageStore (register/namesOrRegister) rather
// than recomputed on every query.
type tableNames struct {
	M, MM, MC, MA, MCM, MS string
}

func namesFor(sanitizedChannelID string) tableNames {
	return tableNames{
		M:   "m" + sanitizedChannelID,
		MM:  "mm" + sanitizedChannelID,
		MC:  "mc" + sanitizedChannelID,
		MA:  "ma" + sanitizedChannelID,
		MCM: "mcm" + sanitizedChannelID,
		MS:  "ms" + sanitizedChannelID,
	}
}

// EnsureChannelTables creates the six channel-scoped tables, plus the
// channel's message-id sequence table, if they do not already exist. Called
// once at deploy time.
func (s *MessageStore) EnsureChannelTables(ctx context.Context, channelID string) error {
	n := namesFor(sanitize(channelID))
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			server_id TEXT,
			received_date TIMESTAMPTZ NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			original_id BIGINT,
			import_id TEXT,
			import_channel_id TEXT
		)`, n.M),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			received_date TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			connector_name TEXT,
			send_attempts INT NOT NULL DEFAULT 0,
			send_date TIMESTAMPTZ,
			response_date TIMESTAMPTZ,
			error_code INT NOT NULL DEFAULT 0,
			chain_id TEXT,
			order_id INT,
			PRIMARY KEY (message_id, metadata_id)
		)`, n.MM),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			content_type INT NOT NULL,
			content TEXT,
			data_type TEXT,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (message_id, metadata_id, content_type)
		)`, n.MC),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			type TEXT,
			segment_id INT NOT NULL,
			attachment BYTEA,
			PRIMARY KEY (id, segment_id)
		)`, n.MA),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			message_id BIGINT NOT NULL,
			metadata_id INT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (message_id, metadata_id, key)
		)`, n.MCM),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metadata_id INT PRIMARY KEY,
			received BIGINT NOT NULL DEFAULT 0,
			filtered BIGINT NOT NULL DEFAULT 0,
			transformed BIGINT NOT NULL DEFAULT 0,
			pending BIGINT NOT NULL DEFAULT 0,
			sent BIGINT NOT NULL DEFAULT 0,
			error BIGINT NOT NULL DEFAULT 0
		)`, n.MS),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s_seq (next_id BIGINT NOT NULL)`, n.M),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classifyPgError("store.EnsureChannelTables", err)
		}
	}
	// Seed the sequence row exactly once; a conflict here just means the
	// tables pre-existed from a prior deploy and is not an error.
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s_seq (next_id) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM %s_seq)`, n.M, n.M)); err != nil {
		return classifyPgError("store.EnsureChannelTables", err)
	}
	return tx.Commit(ctx)
}

func sanitize(channelID string) string {
	out := make([]rune, 0, len(channelID))
	for _, r := range channelID {
		if r == '-' {
			out = append(out, '_')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}
