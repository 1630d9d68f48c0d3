package connector

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chengine.dev/engine/model"
	"chengine.dev/engine/router"
)

// recordingChannel satisfies router.Channel and captures dispatches.
type recordingChannel struct {
	id      string
	running bool
	lastRaw string
	lastMap map[string]interface{}
	resp    *model.Response
}

func (c *recordingChannel) ID() string    { return c.id }
func (c *recordingChannel) Running() bool { return c.running }
func (c *recordingChannel) Dispatch(ctx context.Context, raw string, sourceMap map[string]interface{}, wait bool) (*model.DispatchResult, error) {
	c.lastRaw = raw
	c.lastMap = sourceMap
	res := &model.DispatchResult{MessageID: 100}
	if wait {
		res.Response = c.resp
	}
	return res, nil
}

func TestVMDestination_SendCarriesLineage(t *testing.T) {
	rt := router.New()
	target := &recordingChannel{id: "emr-intake", running: true}
	rt.Register(target)

	dest := NewVMDestination("lab-results", "to-emr", "emr-intake", rt, false, nil)
	cm := &model.ConnectorMessage{MessageID: 12, ChannelID: "lab-results", MetaDataID: 1}

	resp, err := dest.Send(context.Background(), cm, "<v>ok</v>")
	require.NoError(t, err)
	assert.Equal(t, model.ResponseSent, resp.Status)

	assert.Equal(t, "<v>ok</v>", target.lastRaw)
	assert.Equal(t, "lab-results", target.lastMap[model.SourceMapSourceChannelID])
	assert.Equal(t, int64(12), target.lastMap[model.SourceMapSourceMessageID])
}

func TestVMDestination_WaitForCompletionReturnsTargetResponse(t *testing.T) {
	rt := router.New()
	target := &recordingChannel{id: "emr-intake", running: true, resp: &model.Response{Status: model.ResponseSent, MessageBody: "ACK"}}
	rt.Register(target)

	dest := NewVMDestination("lab-results", "to-emr", "emr-intake", rt, true, nil)
	resp, err := dest.Send(context.Background(), &model.ConnectorMessage{MessageID: 1}, "raw")
	require.NoError(t, err)
	assert.Equal(t, "ACK", resp.MessageBody)
}

func TestVMDestination_PropagatedVariables(t *testing.T) {
	rt := router.New()
	target := &recordingChannel{id: "emr-intake", running: true}
	rt.Register(target)

	dest := NewVMDestination("lab-results", "to-emr", "emr-intake", rt, false, []string{"mrn"})
	cm := &model.ConnectorMessage{
		MessageID:    12,
		ChannelMap:   map[string]interface{}{"mrn": "from-channel"},
		ConnectorMap: map[string]interface{}{"mrn": "from-connector"},
	}

	_, err := dest.Send(context.Background(), cm, "raw")
	require.NoError(t, err)
	assert.Equal(t, "from-connector", target.lastMap["mrn"], "connector map outranks channel map")
}

// Target not deployed: without a retry queue the hop reports QUEUED so the
// pipeline can apply its own retry policy.
func TestVMDestination_TargetMissingNoQueue(t *testing.T) {
	dest := NewVMDestination("lab-results", "to-emr", "gone", router.New(), false, nil)

	resp, err := dest.Send(context.Background(), &model.ConnectorMessage{MessageID: 1}, "raw")
	require.NoError(t, err)
	assert.Equal(t, model.ResponseQueued, resp.Status)
}

// Target not deployed with a retry queue attached: the resolved hop is
// buffered for the drainer to replay later.
func TestVMDestination_TargetMissingBuffersOnRetryQueue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	queue := router.NewRetryQueue(client, "")

	rt := router.New()
	dest := NewVMDestination("lab-results", "to-emr", "emr-intake", rt, false, nil).WithRetryQueue(queue)

	resp, err := dest.Send(context.Background(), &model.ConnectorMessage{MessageID: 12, SourceMap: map[string]interface{}{}}, "<v>ok</v>")
	require.NoError(t, err)
	assert.Equal(t, model.ResponseQueued, resp.Status)

	pending, err := queue.Dequeue(context.Background(), "emr-intake", time.Second)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "<v>ok</v>", pending.RawMessage)
	assert.Equal(t, "lab-results", pending.CurrentChannelID)
	assert.Equal(t, int64(12), pending.CurrentMessageID)

	// Replaying once the target is up lands the message there.
	target := &recordingChannel{id: "emr-intake", running: true}
	rt.Register(target)
	res, err := rt.Replay(context.Background(), *pending)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "<v>ok</v>", target.lastRaw)
}
