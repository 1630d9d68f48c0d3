package engine

import (
	"context"
	"time"

	"chengine.dev/engine/logging"
	"chengine.dev/engine/router"
)

// retryDrainer repeatedly pulls buffered VM-hop dispatches for one channel
// off the VM Router's retry queue and re-attempts them once the target may
// have become deployed and running. One goroutine per channel, a blocking
// dequeue with timeout, continue-on-error instead of exiting. There is no
// explicit ack/fail handshake: BLPOP already removes an entry at-most-once,
// so a failed re-dispatch re-enqueues it itself.
type retryDrainer struct {
	channelID string
	queue     *router.RetryQueue
	rt        *router.Router
	logger    *logging.Context
	stop      chan struct{}
	pollEvery time.Duration
	backoff   time.Duration // wait between failed replays of the same hop
}

func newRetryDrainer(channelID string, queue *router.RetryQueue, rt *router.Router, logger *logging.Context) *retryDrainer {
	return &retryDrainer{
		channelID: channelID,
		queue:     queue,
		rt:        rt,
		logger:    logger.WithField("channel_id", channelID),
		stop:      make(chan struct{}),
		pollEvery: 5 * time.Second,
		backoff:   2 * time.Second,
	}
}

func (d *retryDrainer) Start() {
	go d.run()
}

func (d *retryDrainer) Stop() {
	close(d.stop)
}

func (d *retryDrainer) run() {
	defer logging.RecoverPanic(d.logger)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		pending, err := d.queue.Dequeue(context.Background(), d.channelID, d.pollEvery)
		if err != nil {
			d.logger.WithError(err).Warn("retry queue dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if pending == nil {
			continue
		}

		result, err := d.rt.Replay(context.Background(), *pending)
		if err != nil || result == nil {
			pending.RetryCount++
			if pending.RetryCount < 10 {
				if reErr := d.queue.Enqueue(context.Background(), *pending); reErr != nil {
					d.logger.WithError(reErr).Error("failed to re-enqueue pending dispatch")
				}
				// Space out re-attempts so an absent target does not burn
				// through the retry budget in one hot loop.
				select {
				case <-d.stop:
					return
				case <-time.After(d.backoff):
				}
			} else {
				d.logger.WithField("raw_len", len(pending.RawMessage)).Error("dropping pending dispatch after max retries")
			}
		}
	}
}
