// Package engine implements the Engine Controller: the registry of
// deployed channels, and the deploy/start/stop/dispatch operations that
// tie the Message Store, Script Runtime, Connector Surface and VM Router
// together into one running channel.
package engine

import (
	"context"
	"fmt"
	"sync"

	"chengine.dev/engine/connector"
	"chengine.dev/engine/logging"
	"chengine.dev/engine/model"
	"chengine.dev/engine/pipeline"
	"chengine.dev/engine/router"
	"chengine.dev/engine/script"
	"chengine.dev/engine/store"
)

// ChannelSpec is everything the controller needs to deploy a channel:
// its configuration plus the already-constructed source/destination
// connectors (the caller owns connector construction, since that is where
// transport-specific properties like S3 buckets or AMQP URLs live).
type ChannelSpec struct {
	Config       model.ChannelConfig
	Source       connector.SourceConnector
	Destinations []*pipeline.Destination
}

// EventSink receives channel lifecycle audit events. Implemented by
// store.ConfigStore; nil disables event recording.
type EventSink interface {
	SaveEvent(eventType, channelID, detail string) error
}

// Controller is the Engine Controller. One instance owns every deployed
// channel in the process.
type Controller struct {
	store      *store.MessageStore
	scripts    *script.Runtime
	router     *router.Router
	retryQueue *router.RetryQueue // nil disables buffered VM redelivery
	events     EventSink

	globalMap map[string]interface{}
	logger    *logging.Context

	mu          sync.RWMutex
	deployments map[string]*Deployment
	channelMaps map[string]map[string]interface{} // per-channel global-channel map
}

func NewController(st *store.MessageStore, scripts *script.Runtime, rt *router.Router, retryQueue *router.RetryQueue, globalMap map[string]interface{}, logger *logging.Context) *Controller {
	return &Controller{
		store:       st,
		scripts:     scripts,
		router:      rt,
		retryQueue:  retryQueue,
		globalMap:   globalMap,
		logger:      logger,
		deployments: make(map[string]*Deployment),
		channelMaps: make(map[string]map[string]interface{}),
	}
}

// SetEventSink attaches an audit event sink; lifecycle transitions are
// recorded best-effort and never fail the operation that triggered them.
func (c *Controller) SetEventSink(s EventSink) { c.events = s }

func (c *Controller) recordEvent(eventType, channelID, detail string) {
	if c.events == nil {
		return
	}
	if err := c.events.SaveEvent(eventType, channelID, detail); err != nil {
		c.logger.WithError(err).WithField("channel_id", channelID).Warn("failed to record audit event")
	}
}

// Deploy compiles the channel's scripts, ensures its Message Store tables
// exist, runs its deploy script, builds its Pipeline, and registers it with
// the VM Router. The channel starts in the stopped state; call Start to
// begin processing.
func (c *Controller) Deploy(ctx context.Context, spec ChannelSpec) error {
	cfg := spec.Config
	log := c.logger.WithField("channel_id", cfg.ID)

	if err := c.store.Deploy(ctx, cfg.ID); err != nil {
		return fmt.Errorf("engine.Deploy: ensure tables: %w", err)
	}

	if err := c.compileChannelScripts(cfg, spec.Destinations); err != nil {
		return fmt.Errorf("engine.Deploy: compile scripts: %w", err)
	}

	c.mu.Lock()
	channelMap := map[string]interface{}{}
	c.channelMaps[cfg.ID] = channelMap
	c.mu.Unlock()

	if cfg.DeployScript != "" {
		if _, err := c.scripts.Run(ctx, cfg.ID, script.KindDeploy, &script.Scope{
			ChannelID: cfg.ID, ChannelName: cfg.Name,
			GlobalMap: c.globalMap, GlobalChannelMap: channelMap,
			Phase: "deploy",
		}); err != nil {
			return fmt.Errorf("engine.Deploy: deploy script: %w", err)
		}
	}

	// Wire VM destinations to the controller's shared retry queue so a
	// failed hop gets buffered instead of dropped.
	if c.retryQueue != nil {
		for _, d := range spec.Destinations {
			if vm, ok := d.Connector.(*connector.VMDestination); ok {
				vm.WithRetryQueue(c.retryQueue)
			}
		}
	}

	p := pipeline.New(cfg, c.store, c.scripts, spec.Destinations, c.globalMap, channelMap, log)
	dep := &Deployment{Config: cfg, Source: spec.Source, Destinations: spec.Destinations, Pipeline: p}
	if c.retryQueue != nil {
		dep.drainer = newRetryDrainer(cfg.ID, c.retryQueue, c.router, log)
	}

	c.mu.Lock()
	c.deployments[cfg.ID] = dep
	c.mu.Unlock()

	c.router.Register(dep)
	c.recordEvent("deploy", cfg.ID, cfg.Name)
	log.Info("channel deployed")
	return nil
}

func (c *Controller) compileChannelScripts(cfg model.ChannelConfig, destinations []*pipeline.Destination) error {
	type kindSource struct {
		kind   script.Kind
		source string
	}
	sources := []kindSource{
		{script.KindDeploy, cfg.DeployScript},
		{script.KindUndeploy, cfg.UndeployScript},
		{script.KindPreprocessor, cfg.PreprocessorScript},
		{script.KindPostprocessor, cfg.PostprocessorScript},
		{script.KindSourceFilter, cfg.SourceFilterScript},
		{script.KindSourceTransformer, cfg.SourceTransformScript},
	}
	for _, d := range destinations {
		sources = append(sources,
			kindSource{script.Kind(string(script.KindDestinationFilter) + ":" + d.Config.Name), d.Config.FilterScript},
			kindSource{script.Kind(string(script.KindDestinationTransformer) + ":" + d.Config.Name), d.Config.TransformScript},
			kindSource{script.Kind(string(script.KindResponseTransformer) + ":" + d.Config.Name), d.Config.ResponseTransformScript},
		)
	}
	for _, ks := range sources {
		if ks.source == "" {
			continue
		}
		if err := c.scripts.Compile(cfg.ID, ks.kind, ks.source); err != nil {
			return fmt.Errorf("kind %s: %w", ks.kind, err)
		}
	}
	return nil
}

// Undeploy runs the channel's undeploy script, unregisters it from the VM
// Router, stops it if running, and invalidates its compiled scripts.
func (c *Controller) Undeploy(ctx context.Context, channelID string) error {
	dep, ok := c.lookup(channelID)
	if !ok {
		return fmt.Errorf("engine.Undeploy: channel %s is not deployed", channelID)
	}

	if dep.Running() {
		if err := c.Stop(ctx, channelID); err != nil {
			return err
		}
	}

	c.mu.RLock()
	channelMap := c.channelMaps[channelID]
	c.mu.RUnlock()

	if dep.Config.UndeployScript != "" {
		if _, err := c.scripts.Run(ctx, channelID, script.KindUndeploy, &script.Scope{
			ChannelID: channelID, ChannelName: dep.Config.Name,
			GlobalMap: c.globalMap, GlobalChannelMap: channelMap,
			Phase: "undeploy",
		}); err != nil {
			c.logger.WithError(err).WithField("channel_id", channelID).Warn("undeploy script failed, continuing")
		}
	}

	c.router.Unregister(channelID)
	c.scripts.Invalidate(channelID)

	c.mu.Lock()
	delete(c.deployments, channelID)
	delete(c.channelMaps, channelID)
	c.mu.Unlock()

	c.recordEvent("undeploy", channelID, "")
	c.logger.WithField("channel_id", channelID).Info("channel undeployed")
	return nil
}

func (c *Controller) Start(ctx context.Context, channelID string) error {
	dep, ok := c.lookup(channelID)
	if !ok {
		return fmt.Errorf("engine.Start: channel %s is not deployed", channelID)
	}
	if err := dep.start(ctx); err != nil {
		return err
	}
	c.recordEvent("start", channelID, "")
	return nil
}

func (c *Controller) Stop(ctx context.Context, channelID string) error {
	dep, ok := c.lookup(channelID)
	if !ok {
		return fmt.Errorf("engine.Stop: channel %s is not deployed", channelID)
	}
	if err := dep.stop(ctx); err != nil {
		return err
	}
	c.recordEvent("stop", channelID, "")
	return nil
}

// DispatchRawMessage is the entry point used by source connectors (and the
// HTTP/debug surface) to inject a message directly into a deployed
// channel, bypassing the VM Router's own channel-to-channel lookup.
func (c *Controller) DispatchRawMessage(ctx context.Context, channelID string, raw string, sourceMap map[string]interface{}, force, waitForCompletion bool) (*model.DispatchResult, error) {
	dep, ok := c.lookup(channelID)
	if !ok {
		return nil, fmt.Errorf("engine.DispatchRawMessage: channel %s is not deployed", channelID)
	}
	if !force && !dep.Running() {
		return nil, fmt.Errorf("engine.DispatchRawMessage: channel %s is not running", channelID)
	}
	return dep.Dispatch(ctx, raw, sourceMap, waitForCompletion)
}

func (c *Controller) lookup(channelID string) (*Deployment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dep, ok := c.deployments[channelID]
	return dep, ok
}

// ListDeployments returns the ids of every currently deployed channel.
func (c *Controller) ListDeployments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.deployments))
	for id := range c.deployments {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning reports whether a deployed channel is currently started.
func (c *Controller) IsRunning(channelID string) bool {
	dep, ok := c.lookup(channelID)
	return ok && dep.Running()
}

// ChannelConfigs returns the configuration of every currently deployed
// channel, satisfying archiver.ChannelSource so the Pruner can build its
// per-channel task queue without importing the engine package.
func (c *Controller) ChannelConfigs() []model.ChannelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfgs := make([]model.ChannelConfig, 0, len(c.deployments))
	for _, dep := range c.deployments {
		cfgs = append(cfgs, dep.Config)
	}
	return cfgs
}
