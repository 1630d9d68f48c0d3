package connector

import "context"

// PassthroughSource is the SourceConnector for push-style transports
// (HTTP and direct invocation): messages
// arrive via a direct DispatchRawMessage call from the out-of-scope REST
// layer rather than being pulled by this connector, so Start/Stop/Poll are
// all no-ops and only the Kind/Status plumbing is real.
type PassthroughSource struct {
	channelID     string
	connectorName string
	kind          Kind
	status        chan StatusEvent
}

func NewPassthroughSource(channelID, connectorName string, kind Kind) *PassthroughSource {
	return &PassthroughSource{
		channelID:     channelID,
		connectorName: connectorName,
		kind:          kind,
		status:        make(chan StatusEvent, 16),
	}
}

func (c *PassthroughSource) Kind() Kind { return c.kind }

func (c *PassthroughSource) Start(ctx context.Context) error {
	c.emit(StatusIdle, "listening externally")
	return nil
}

func (c *PassthroughSource) Stop(ctx context.Context) error {
	c.emit(StatusDisconnected, "")
	return nil
}

func (c *PassthroughSource) Poll(ctx context.Context) error { return nil }

func (c *PassthroughSource) Status() <-chan StatusEvent { return c.status }

func (c *PassthroughSource) emit(status Status, detail string) {
	select {
	case c.status <- StatusEvent{ChannelID: c.channelID, ConnectorName: c.connectorName, Status: status, Detail: detail}:
	default:
	}
}
