// Package router implements the VM Router: the in-process edge from
// a destination connector of one channel to the source of another,
// carrying source-chain lineage.
package router

import (
	"context"
	"sync"

	"chengine.dev/engine/model"
)

// Channel is the subset of a deployed channel's behavior the router needs.
// Defined here (rather than imported from the engine package) so the
// engine package can depend on router without a cycle: engine.Deployment
// implements this interface and registers itself via Register.
type Channel interface {
	ID() string
	Running() bool
	Dispatch(ctx context.Context, raw string, sourceMap map[string]interface{}, waitForCompletion bool) (*model.DispatchResult, error)
}

// Router holds weak references (by channel id) to deployed channels: it
// looks them up per dispatch, it does not own them.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func New() *Router {
	return &Router{channels: make(map[string]Channel)}
}

func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
}

func (r *Router) Unregister(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
}

func (r *Router) lookup(channelID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	return ch, ok
}

// ScopePair is one entry of the ordered scope list searched for a
// propagated variable; the router searches the entries in the order given.
// The full precedence chain is response map first, then connector, channel,
// source, global-channel, global, configuration; connector.VMDestination
// supplies only the first four. Kept as a slice (not a map) so the order
// survives JSON round-trips through the retry queue.
type ScopePair struct {
	Name string                 `json:"name"`
	Map  map[string]interface{} `json:"map"`
}

// DispatchRawMessage is the VM Router's single contract method. It looks
// up the deployed, running target channel, builds the new inbound
// source map with lineage fields, and either blocks for completion or
// returns immediately with the allocated message id.
func (r *Router) DispatchRawMessage(ctx context.Context, targetChannelID string, rawMessage string, currentChannelID string, currentMessageID int64, currentSourceMap map[string]interface{}, propagatedVars []string, scopes []ScopePair, force, waitForCompletion bool) (*model.DispatchResult, error) {
	target, ok := r.lookup(targetChannelID)
	if !ok {
		return nil, nil
	}
	if !force && !target.Running() {
		return nil, nil
	}

	newSourceMap := buildChainedSourceMap(currentChannelID, currentMessageID, currentSourceMap)

	for _, key := range propagatedVars {
		for _, scope := range scopes {
			if scope.Map == nil {
				continue
			}
			if v, ok := scope.Map[key]; ok {
				newSourceMap[key] = v
				break
			}
		}
	}

	return target.Dispatch(ctx, rawMessage, newSourceMap, waitForCompletion)
}

// Replay re-attempts a previously buffered PendingDispatch, exactly as if
// DispatchRawMessage were being called for the first time with the same
// arguments. Used by the engine's retry drainer once a target channel may
// have become deployed and running.
func (r *Router) Replay(ctx context.Context, d PendingDispatch) (*model.DispatchResult, error) {
	return r.DispatchRawMessage(ctx, d.TargetChannelID, d.RawMessage, d.CurrentChannelID, d.CurrentMessageID, d.CurrentSourceMap, d.PropagatedVars, d.Scopes, false, false)
}

// buildChainedSourceMap grows the lineage chain: the new source map's
// sourceChannelIds/sourceMessageIds are the incoming chain
// (if any) with the current channel/message appended, else a fresh
// length-1 chain.
func buildChainedSourceMap(currentChannelID string, currentMessageID int64, incoming map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	out[model.SourceMapSourceChannelID] = currentChannelID
	out[model.SourceMapSourceMessageID] = currentMessageID

	var channelChain []string
	var messageChain []int64
	if incoming != nil {
		// A chain that crossed the retry queue has been through JSON and
		// arrives as []interface{} rather than the original typed slices.
		switch existing := incoming[model.SourceMapSourceChannelIDs].(type) {
		case []string:
			channelChain = append(channelChain, existing...)
		case []interface{}:
			for _, v := range existing {
				if s, ok := v.(string); ok {
					channelChain = append(channelChain, s)
				}
			}
		}
		switch existing := incoming[model.SourceMapSourceMessageIDs].(type) {
		case []int64:
			messageChain = append(messageChain, existing...)
		case []interface{}:
			for _, v := range existing {
				if f, ok := v.(float64); ok {
					messageChain = append(messageChain, int64(f))
				}
			}
		}
	}
	channelChain = append(channelChain, currentChannelID)
	messageChain = append(messageChain, currentMessageID)

	out[model.SourceMapSourceChannelIDs] = channelChain
	out[model.SourceMapSourceMessageIDs] = messageChain
	return out
}
