// Package model defines the data model shared across the engine: Channel,
// Message, ConnectorMessage, MessageContent, Attachment and Response, plus
// the invariants that bind them together.
package model

import "time"

// StorageMode is the Channel's persistence posture.
type StorageMode string

const (
	StorageDevelopment StorageMode = "DEVELOPMENT"
	StorageProduction  StorageMode = "PRODUCTION"
	StorageRaw         StorageMode = "RAW"
	StorageMetadata    StorageMode = "METADATA"
	StorageDisabled    StorageMode = "DISABLED"
)

// ContentType is the closed set of MessageContent kinds. The numeric value
// matches the MC<C>.CONTENT_TYPE column domain (0..15) from the Message
// Store's table layout.
type ContentType int

const (
	ContentRaw ContentType = iota
	ContentProcessedRaw
	ContentTransformed
	ContentEncoded
	ContentSent
	ContentResponse
	ContentResponseTransformed
	ContentProcessedResponse
	ContentSourceMap
	ContentConnectorMap
	ContentChannelMap
	ContentResponseMap
)

// DestinationConfig is one configured destination within a Channel,
// deploy-ordered.
type DestinationConfig struct {
	MetaDataID     int
	Name           string
	Kind           string // FILE, SFTP, FTP, SMB, S3, VM, HTTP, SCRIPT, AMQP
	Enabled        bool
	Parallel       bool // carried from configuration, not read by the pipeline; ChannelConfig.DispatchParallel decides concurrent dispatch
	RetryCount     int
	RetryIntervalMS int
	QueueEnabled   bool
	FilterScript   string
	TransformScript string
	ResponseTransformScript string
	Properties     map[string]string
}

// ChannelConfig is the configured, pre-deploy shape of a Channel.
type ChannelConfig struct {
	ID                string
	Name              string
	Enabled           bool
	StorageMode       StorageMode
	SourceKind        string
	SourceFilterScript string
	SourceTransformScript string
	PreprocessorScript string
	PostprocessorScript string
	DeployScript       string
	UndeployScript     string
	Destinations       []DestinationConfig
	WaitForDestinations bool
	DispatchParallel    bool
	WorkerCount         int
	PruneMetaDataDays   *int
	PruneContentDays    *int
}

// SanitizedID returns the channel id with hyphens replaced so it is safe to
// embed in a SQL table name; each channel gets its own table shard.
func (c ChannelConfig) SanitizedID() string {
	return sanitizeID(c.ID)
}

func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if r == '-' {
			out = append(out, '_')
		} else {
			out = append(out, r)
		}
	}
	return string(out)
}

// Message is one logical inbound message, owning 1..N ConnectorMessages.
type Message struct {
	ID              int64
	ChannelID       string
	ServerID        string
	ReceivedDate    time.Time
	Processed       bool
	OriginalID      *int64
	ImportID        *string
	ImportChannelID *string
}

// ErrorCode bit positions.
const (
	ErrorBitProcessing   = 1
	ErrorBitPostprocessor = 2
	ErrorBitResponse      = 4
)

// ConnectorMessage is one connector's view of one Message.
type ConnectorMessage struct {
	MessageID    int64
	ChannelID    string
	MetaDataID   int // 0 = source, 1..N = destinations in deploy order
	Status       Status
	ConnectorName string
	SendAttempts int
	ReceivedDate time.Time
	SendDate     *time.Time
	ResponseDate *time.Time
	ErrorCode    int
	ChainID      string
	OrderID      int

	SourceMap    map[string]interface{}
	ConnectorMap map[string]interface{}
	ChannelMap   map[string]interface{}
	ResponseMap  map[string]interface{}

	ProcessingError    string
	PostprocessorError string
	ResponseError      string
}

// IsSource reports whether this ConnectorMessage is the source (meta-data-id 0).
func (cm *ConnectorMessage) IsSource() bool { return cm.MetaDataID == 0 }

// SetErrorBit ORs an error bit into ErrorCode and records the detail string
// in the field matching that bit.
func (cm *ConnectorMessage) SetErrorBit(bit int, detail string) {
	cm.ErrorCode |= bit
	switch bit {
	case ErrorBitProcessing:
		cm.ProcessingError = detail
	case ErrorBitPostprocessor:
		cm.PostprocessorError = detail
	case ErrorBitResponse:
		cm.ResponseError = detail
	}
}

// MessageContent is a (ConnectorMessage, content-type) -> payload row.
type MessageContent struct {
	MessageID   int64
	MetaDataID  int
	ContentType ContentType
	Content     string
	DataType    string
	IsEncrypted bool
}

// Attachment is a segmented binary payload owned by a Message.
type Attachment struct {
	ID        string
	MessageID int64
	MimeType  string
	SegmentID int
	Payload   []byte
}

// ResponseStatus is the closed set of values a destination dispatch can
// return, distinct from (but related to) ConnectorMessage.Status.
type ResponseStatus string

const (
	ResponseReceived    ResponseStatus = "RECEIVED"
	ResponseFiltered    ResponseStatus = "FILTERED"
	ResponseTransformed ResponseStatus = "TRANSFORMED"
	ResponseSent        ResponseStatus = "SENT"
	ResponseQueued      ResponseStatus = "QUEUED"
	ResponseError       ResponseStatus = "ERROR"
	ResponsePending     ResponseStatus = "PENDING"
)

// Response is the value returned by a destination dispatch.
type Response struct {
	Status        ResponseStatus
	MessageBody   string
	StatusMessage string
	ErrorDetail   string
}

// DispatchResult is what the Engine Controller / VM Router return from a
// dispatch call.
type DispatchResult struct {
	MessageID int64
	Response  *Response // nil unless waitForCompletion was set
}

// ArchiveRecord is the flattened, one-line-per-message shape the Data
// Pruner/Archiver writes to an archive file.
type ArchiveRecord struct {
	MessageID    int64                    `json:"messageId"`
	ServerID     string                   `json:"serverId,omitempty"`
	ReceivedDate time.Time                `json:"receivedDate"`
	RawContent   string                   `json:"rawContent,omitempty"`
	Connectors   []ArchiveConnectorRecord `json:"connectors"`
}

// ArchiveConnectorRecord is one ConnectorMessage's terminal state within an
// ArchiveRecord.
type ArchiveConnectorRecord struct {
	MetaDataID    int    `json:"metaDataId"`
	ConnectorName string `json:"connectorName"`
	Status        string `json:"status"`
	ErrorCode     int    `json:"errorCode,omitempty"`
}

// Reserved source-map keys carrying VM routing lineage. These are
// never overridden by user variables.
const (
	SourceMapSourceChannelID  = "sourceChannelId"
	SourceMapSourceMessageID  = "sourceMessageId"
	SourceMapSourceChannelIDs = "sourceChannelIds"
	SourceMapSourceMessageIDs = "sourceMessageIds"
)
