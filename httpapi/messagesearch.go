package httpapi

import (
	"context"
	"time"

	"chengine.dev/engine/model"
)

// MessageFilter is the criteria an external REST/CRUD layer would
// translate into a Message Store query.
// Connector-scoped fields (metadata ids, statuses, send attempts) require a
// DISTINCT join from the message table to the connector-message table.
type MessageFilter struct {
	ChannelID string

	MinMessageID    *int64
	MaxMessageID    *int64
	OriginalIDLower *int64
	OriginalIDUpper *int64
	ImportIDLower   *int64
	ImportIDUpper   *int64

	StartDate *time.Time
	EndDate   *time.Time
	ServerID  string // LIKE match

	IncludedMetaDataIDs []int
	ExcludedMetaDataIDs []int
	Statuses            []model.Status
	SendAttemptsLower   *int
	SendAttemptsUpper   *int
	Error               *bool
	Attachment          *bool

	Limit  int
	Offset int
}

// MessageSearchService is the contract the out-of-scope REST/CRUD servlet
// layer is expected to satisfy against the Message Store. No
// concrete HTTP handler implements this in this repo; it documents the
// boundary so a future servlet layer has a typed target to call into.
type MessageSearchService interface {
	Search(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	Get(ctx context.Context, channelID string, messageID int64) (*model.Message, error)
	Reprocess(ctx context.Context, channelID string, messageID int64) (*model.DispatchResult, error)
	Remove(ctx context.Context, channelID string, messageID int64) error
}
