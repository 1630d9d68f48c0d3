package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassthroughSource_LifecycleEmitsStatus(t *testing.T) {
	src := NewPassthroughSource("chan-1", "http-in", KindHTTP)
	assert.Equal(t, KindHTTP, src.Kind())

	require.NoError(t, src.Start(context.Background()))
	ev := <-src.Status()
	assert.Equal(t, StatusIdle, ev.Status)

	require.NoError(t, src.Poll(context.Background()))

	require.NoError(t, src.Stop(context.Background()))
	ev = <-src.Status()
	assert.Equal(t, StatusDisconnected, ev.Status)
}
