package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chengine.dev/engine/logging"
	"chengine.dev/engine/model"
	"chengine.dev/engine/pipeline"
	"chengine.dev/engine/script"
)

func newTestController() *Controller {
	log := logging.NewContext(logging.New(logging.DefaultConfig()), nil)
	return NewController(nil, script.NewRuntime(nil), nil, nil, map[string]interface{}{}, log)
}

func TestCompileChannelScripts_CompilesEveryConfiguredKind(t *testing.T) {
	c := newTestController()
	cfg := model.ChannelConfig{
		ID:                    "lab-results",
		PreprocessorScript:    "msg = msg;",
		SourceFilterScript:    "(function(){ return true; })()",
		SourceTransformScript: "msg = msg;",
	}
	destinations := []*pipeline.Destination{
		{Config: model.DestinationConfig{Name: "ris", FilterScript: "(function(){ return true; })()"}},
	}

	err := c.compileChannelScripts(cfg, destinations)
	require.NoError(t, err)

	err = c.scripts.Compile(cfg.ID, script.KindPreprocessor, cfg.PreprocessorScript)
	assert.NoError(t, err, "recompiling identical source must stay a no-op beyond the parse")
}

func TestCompileChannelScripts_RejectsBadSyntax(t *testing.T) {
	c := newTestController()
	cfg := model.ChannelConfig{ID: "broken", PreprocessorScript: "this is not { valid js"}
	err := c.compileChannelScripts(cfg, nil)
	assert.Error(t, err)
}

func TestLookup_UnknownChannel(t *testing.T) {
	c := newTestController()
	_, ok := c.lookup("does-not-exist")
	assert.False(t, ok)
	assert.False(t, c.IsRunning("does-not-exist"))
	assert.Empty(t, c.ListDeployments())
}
