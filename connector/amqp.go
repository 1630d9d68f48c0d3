package connector

import (
	"context"
	"fmt"

	amqp "github.com/streadway/amqp"

	"chengine.dev/engine/engineerr"
	"chengine.dev/engine/model"
)

// AMQPDestination publishes a ConnectorMessage's payload to a RabbitMQ
// exchange/queue, one configurable publisher per destination.
type AMQPDestination struct {
	channelID     string
	connectorName string
	url           string
	exchange      string
	routingKey    string

	conn    *amqp.Connection
	channel *amqp.Channel
	status  chan StatusEvent
}

// AMQPDialer is the injection seam for testing without a live broker.
type AMQPDialer func(url string) (*amqp.Connection, error)

func defaultDialer(url string) (*amqp.Connection, error) { return amqp.Dial(url) }

func NewAMQPDestination(channelID, connectorName, url, exchange, routingKey string) *AMQPDestination {
	return &AMQPDestination{
		channelID:     channelID,
		connectorName: connectorName,
		url:           url,
		exchange:      exchange,
		routingKey:    routingKey,
		status:        make(chan StatusEvent, 16),
	}
}

func (c *AMQPDestination) Kind() Kind { return KindAMQP }

func (c *AMQPDestination) Status() <-chan StatusEvent { return c.status }

func (c *AMQPDestination) emit(status Status, detail string) {
	select {
	case c.status <- StatusEvent{ChannelID: c.channelID, ConnectorName: c.connectorName, Status: status, Detail: detail}:
	default:
	}
}

func (c *AMQPDestination) Start(ctx context.Context) error {
	return c.startWithDialer(defaultDialer)
}

func (c *AMQPDestination) startWithDialer(dial AMQPDialer) error {
	conn, err := dial(c.url)
	if err != nil {
		return engineerr.Connector("amqp.Start", true, "dial failed", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return engineerr.Connector("amqp.Start", true, "open channel failed", err)
	}
	c.conn = conn
	c.channel = ch
	c.emit(StatusIdle, "connected")
	return nil
}

func (c *AMQPDestination) Stop(ctx context.Context) error {
	c.emit(StatusDisconnected, "")
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Send publishes the payload and returns a Response classifying the
// outcome; publish failures are classified retryable.
func (c *AMQPDestination) Send(ctx context.Context, cm *model.ConnectorMessage, payload string) (*model.Response, error) {
	var messageID int64
	if cm != nil {
		messageID = cm.MessageID
	}
	c.emit(StatusSending, fmt.Sprintf("publishing message %d", messageID))
	defer c.emit(StatusIdle, "")

	if c.channel == nil {
		return nil, engineerr.Connector("amqp.Send", true, "not started", nil)
	}

	err := c.channel.Publish(c.exchange, c.routingKey, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(payload),
	})
	if err != nil {
		return &model.Response{Status: model.ResponseError, ErrorDetail: err.Error()},
			engineerr.Connector("amqp.Send", true, "publish failed", err)
	}
	return &model.Response{Status: model.ResponseSent}, nil
}
