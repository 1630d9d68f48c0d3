package connector

import (
	"context"
	"time"

	"chengine.dev/engine/model"
	"chengine.dev/engine/router"
)

// VMDestination implements DestinationConnector by handing the payload to
// the VM Router instead of an external transport.
type VMDestination struct {
	channelID       string
	connectorName   string
	targetChannelID string
	router          *router.Router
	retryQueue      *router.RetryQueue // optional; nil disables buffered redelivery
	waitForCompletion bool
	propagatedVars  []string
	status          chan StatusEvent
}

func NewVMDestination(channelID, connectorName, targetChannelID string, r *router.Router, waitForCompletion bool, propagatedVars []string) *VMDestination {
	return &VMDestination{
		channelID:         channelID,
		connectorName:     connectorName,
		targetChannelID:   targetChannelID,
		router:            r,
		waitForCompletion: waitForCompletion,
		propagatedVars:    propagatedVars,
		status:            make(chan StatusEvent, 16),
	}
}

// WithRetryQueue attaches a buffered redelivery queue used when the target
// channel is not currently deployed or running.
func (c *VMDestination) WithRetryQueue(q *router.RetryQueue) *VMDestination {
	c.retryQueue = q
	return c
}

func (c *VMDestination) Kind() Kind { return KindVM }

func (c *VMDestination) Start(ctx context.Context) error { return nil }
func (c *VMDestination) Stop(ctx context.Context) error  { return nil }

func (c *VMDestination) Status() <-chan StatusEvent { return c.status }

func (c *VMDestination) emit(status Status, detail string) {
	select {
	case c.status <- StatusEvent{ChannelID: c.channelID, ConnectorName: c.connectorName, Status: status, Detail: detail}:
	default:
	}
}

// Send dispatches the ConnectorMessage's payload into the target channel
// via the VM Router, translating the DispatchResult into a Response.
// Propagated variables are looked up in the ConnectorMessage's response,
// connector, channel and source maps only; global-channel, global and
// configuration map values are not propagated.
func (c *VMDestination) Send(ctx context.Context, cm *model.ConnectorMessage, payload string) (*model.Response, error) {
	c.emit(StatusSending, "dispatching to "+c.targetChannelID)
	defer c.emit(StatusIdle, "")

	scopes := []router.ScopePair{
		{Name: "response", Map: cm.ResponseMap},
		{Name: "connector", Map: cm.ConnectorMap},
		{Name: "channel", Map: cm.ChannelMap},
		{Name: "source", Map: cm.SourceMap},
	}

	result, err := c.router.DispatchRawMessage(ctx, c.targetChannelID, payload, c.channelID, cm.MessageID, cm.SourceMap, c.propagatedVars, scopes, false, c.waitForCompletion)
	if err != nil {
		return &model.Response{Status: model.ResponseError, ErrorDetail: err.Error()}, err
	}
	if result == nil {
		// Target channel not deployed or not running: not an error, the
		// router simply returns nil. Rather than depending on
		// the pipeline's destination-level retry loop (which backs off and
		// re-sends the same payload, needlessly re-running filter/transform
		// each time), buffer the already-resolved hop on the retry queue so
		// a background drainer can replay it once the target comes up.
		if c.retryQueue != nil {
			err := c.retryQueue.Enqueue(ctx, router.PendingDispatch{
				TargetChannelID:  c.targetChannelID,
				RawMessage:       payload,
				CurrentChannelID: c.channelID,
				CurrentMessageID: cm.MessageID,
				CurrentSourceMap: cm.SourceMap,
				PropagatedVars:   c.propagatedVars,
				Scopes:           scopes,
				EnqueuedAt:       time.Now(),
			})
			if err != nil {
				return &model.Response{Status: model.ResponseError, ErrorDetail: err.Error()}, err
			}
		}
		return &model.Response{Status: model.ResponseQueued, StatusMessage: "target channel not running"}, nil
	}
	if result.Response != nil {
		return result.Response, nil
	}
	return &model.Response{Status: model.ResponseSent, StatusMessage: "dispatched asynchronously"}, nil
}
