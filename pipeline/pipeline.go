// Package pipeline implements the Channel Pipeline: the seven-stage
// state machine that turns one raw inbound message into one or more
// dispatched ConnectorMessages, enforcing the status lattice at every step.
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chengine.dev/engine/connector"
	"chengine.dev/engine/engineerr"
	"chengine.dev/engine/logging"
	"chengine.dev/engine/model"
	"chengine.dev/engine/script"
	"chengine.dev/engine/store"
)

// Destination pairs one configured destination with its live connector.
type Destination struct {
	Config    model.DestinationConfig
	Connector connector.DestinationConnector
}

// destinationFilterKind and friends qualify a script.Kind by destination
// name, since script.Runtime's compile cache is keyed per (channel, kind)
// and a channel may have many destinations each with its own filter,
// transformer and response-transformer script.
func destinationFilterKind(name string) script.Kind {
	return script.Kind(string(script.KindDestinationFilter) + ":" + name)
}
func destinationTransformKind(name string) script.Kind {
	return script.Kind(string(script.KindDestinationTransformer) + ":" + name)
}
func responseTransformKind(name string) script.Kind {
	return script.Kind(string(script.KindResponseTransformer) + ":" + name)
}

// Pipeline is one deployed channel's message-processing state machine. It
// implements router.Channel's Dispatch signature so the engine's Deployment
// type can embed it directly.
type Pipeline struct {
	cfg          model.ChannelConfig
	store        *store.MessageStore
	scripts      *script.Runtime
	destinations []*Destination

	globalMap        map[string]interface{} // process-wide, shared across channels
	globalChannelMap map[string]interface{} // this channel's globally-visible map

	logger  *logging.Context
	sem     chan struct{}
	tracker *tracker
	running atomic.Bool
}

func New(cfg model.ChannelConfig, st *store.MessageStore, scripts *script.Runtime, destinations []*Destination, globalMap, globalChannelMap map[string]interface{}, logger *logging.Context) *Pipeline {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 5
	}
	sorted := make([]*Destination, len(destinations))
	copy(sorted, destinations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Config.MetaDataID < sorted[j].Config.MetaDataID })

	return &Pipeline{
		cfg:              cfg,
		store:            st,
		scripts:          scripts,
		destinations:     sorted,
		globalMap:        globalMap,
		globalChannelMap: globalChannelMap,
		logger:           logger.ForChannel(cfg.ID, 0).WithField("channel_name", cfg.Name),
		sem:              make(chan struct{}, workers),
		tracker:          newTracker(1000),
	}
}

func (p *Pipeline) ID() string      { return p.cfg.ID }
func (p *Pipeline) Running() bool   { return p.running.Load() }
func (p *Pipeline) SetRunning(v bool) { p.running.Store(v) }

// Dispatch is the pipeline's single entry point, satisfying router.Channel.
// When waitForCompletion is false it allocates the message id, kicks off
// processing in the background, and returns immediately with no Response.
// A channel configured with waitForDestinations always completes inline,
// regardless of what the caller asked for: the weaker of the two requests
// would return before the destinations reach terminal status.
func (p *Pipeline) Dispatch(ctx context.Context, raw string, sourceMap map[string]interface{}, waitForCompletion bool) (*model.DispatchResult, error) {
	if p.cfg.WaitForDestinations {
		waitForCompletion = true
	}
	messageID, err := p.store.NextMessageID(ctx, p.cfg.ID)
	if err != nil {
		return nil, err
	}

	if !waitForCompletion {
		go func() {
			defer logging.RecoverPanic(p.logger)
			bg := context.Background()
			if _, err := p.process(bg, messageID, raw, sourceMap); err != nil {
				p.logger.WithError(err).WithField("message_id", messageID).Error("background dispatch failed")
			}
		}()
		return &model.DispatchResult{MessageID: messageID}, nil
	}

	resp, err := p.process(ctx, messageID, raw, sourceMap)
	if err != nil {
		return nil, err
	}
	return &model.DispatchResult{MessageID: messageID, Response: resp}, nil
}

// process runs all seven stages for one already-allocated message id,
// bounded by the channel's worker semaphore.
func (p *Pipeline) process(ctx context.Context, messageID int64, raw string, sourceMap map[string]interface{}) (*model.Response, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	p.tracker.start(messageID)
	log := p.logger.ForChannel(p.cfg.ID, messageID)

	if sourceMap == nil {
		sourceMap = map[string]interface{}{}
	}
	now := time.Now()

	// Stage 1: Receive.
	msg := &model.Message{ID: messageID, ChannelID: p.cfg.ID, ReceivedDate: now}
	if v, ok := sourceMap["serverId"].(string); ok {
		msg.ServerID = v
	}
	if err := p.store.InsertMessage(ctx, msg); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}

	sourceCM := &model.ConnectorMessage{
		MessageID:     messageID,
		ChannelID:     p.cfg.ID,
		MetaDataID:    0,
		Status:        model.StatusReceived,
		ConnectorName: "Source",
		ReceivedDate:  now,
		ChainID:       uuid.NewString(),
		OrderID:       0,
		SourceMap:     sourceMap,
		ConnectorMap:  map[string]interface{}{},
		ChannelMap:    map[string]interface{}{},
		ResponseMap:   map[string]interface{}{},
	}
	if err := p.store.InsertConnectorMessage(ctx, sourceCM); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}
	if err := p.persistContent(ctx, messageID, 0, model.ContentRaw, raw); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}
	if err := p.persistContent(ctx, messageID, 0, model.ContentSourceMap, toJSON(sourceMap)); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}

	payload := raw

	// Stage 2: Preprocessor.
	if p.cfg.PreprocessorScript != "" {
		rb, err := p.scripts.Run(ctx, p.cfg.ID, script.KindPreprocessor, &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: sourceCM.SourceMap, ConnectorMap: sourceCM.ConnectorMap, ChannelMap: sourceCM.ChannelMap,
			Msg: payload, Phase: "preprocessor",
		})
		if err != nil {
			return p.fail(ctx, log, sourceCM, model.ErrorBitProcessing, err)
		}
		if rb.Msg != "" {
			payload = rb.Msg
		}
	}

	// Stage 3: Source filter/transform.
	if p.cfg.SourceFilterScript != "" {
		rb, err := p.scripts.Run(ctx, p.cfg.ID, script.KindSourceFilter, &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: sourceCM.SourceMap, ConnectorMap: sourceCM.ConnectorMap, ChannelMap: sourceCM.ChannelMap,
			Msg: payload, Phase: "source_filter",
		})
		if err != nil {
			return p.fail(ctx, log, sourceCM, model.ErrorBitProcessing, err)
		}
		if !rb.FilterPassed {
			return p.finishFiltered(ctx, log, sourceCM)
		}
	}
	if p.cfg.SourceTransformScript != "" {
		rb, err := p.scripts.Run(ctx, p.cfg.ID, script.KindSourceTransformer, &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: sourceCM.SourceMap, ConnectorMap: sourceCM.ConnectorMap, ChannelMap: sourceCM.ChannelMap,
			Msg: payload, Phase: "source_transformer",
		})
		if err != nil {
			return p.fail(ctx, log, sourceCM, model.ErrorBitProcessing, err)
		}
		if rb.Msg != "" {
			payload = rb.Msg
		}
	}
	if err := p.transition(ctx, sourceCM, model.StatusTransformed); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}
	if err := p.persistContent(ctx, messageID, 0, model.ContentTransformed, payload); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}

	// Stage 4-6: per-destination filter/transform/dispatch/response-transform.
	type outcome struct {
		name string
		cm   *model.ConnectorMessage
		resp *model.Response
		err  error
	}
	outcomes := make([]outcome, len(p.destinations))

	runOne := func(i int) {
		dest := p.destinations[i]
		if !dest.Config.Enabled {
			outcomes[i] = outcome{name: dest.Config.Name}
			return
		}
		cm, resp, err := p.runDestination(ctx, log, dest, sourceCM, payload)
		outcomes[i] = outcome{name: dest.Config.Name, cm: cm, resp: resp, err: err}
	}

	if p.cfg.DispatchParallel {
		var wg sync.WaitGroup
		for i := range p.destinations {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer logging.RecoverPanic(log)
				runOne(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range p.destinations {
			runOne(i)
		}
	}

	// Stage 7: Postprocessor, once every destination has reached a terminal
	// or stable state.
	mergedConnector := map[string]interface{}{}
	mergedChannel := map[string]interface{}{}
	mergedResponse := map[string]interface{}{}
	var primaryResp *model.Response
	var firstErr error
	for _, o := range outcomes {
		if o.cm != nil {
			script.MergeFields(mergedConnector, o.cm.ConnectorMap)
			script.MergeFields(mergedChannel, o.cm.ChannelMap)
			script.MergeFields(mergedResponse, o.cm.ResponseMap)
		}
		if o.resp != nil && primaryResp == nil {
			primaryResp = o.resp
		}
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
	}

	if p.cfg.PostprocessorScript != "" {
		_, err := p.scripts.Run(ctx, p.cfg.ID, script.KindPostprocessor, &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: sourceCM.SourceMap, ConnectorMap: mergedConnector, ChannelMap: mergedChannel, ResponseMap: mergedResponse,
			Phase: "postprocessor",
		})
		if err != nil {
			sourceCM.SetErrorBit(model.ErrorBitPostprocessor, err.Error())
			p.store.SetErrorCode(ctx, sourceCM)
			log.WithError(err).Warn("postprocessor failed, message already dispatched")
		}
	}

	if err := p.store.MarkProcessed(ctx, p.cfg.ID, messageID); err != nil {
		p.tracker.finish(messageID, err)
		return nil, err
	}
	p.tracker.finish(messageID, nil)

	if primaryResp == nil {
		primaryResp = &model.Response{Status: model.ResponseSent}
	}
	if firstErr != nil {
		log.WithError(firstErr).Warn("one or more destinations failed")
	}
	return primaryResp, nil
}

// runDestination executes stages 4-6 for one destination: filter, transform,
// dispatch with bounded retry, then response transform.
func (p *Pipeline) runDestination(ctx context.Context, log *logging.Context, dest *Destination, sourceCM *model.ConnectorMessage, payload string) (*model.ConnectorMessage, *model.Response, error) {
	dcm := &model.ConnectorMessage{
		MessageID:     sourceCM.MessageID,
		ChannelID:     p.cfg.ID,
		MetaDataID:    dest.Config.MetaDataID,
		Status:        model.StatusReceived,
		ConnectorName: dest.Config.Name,
		ReceivedDate:  time.Now(),
		ChainID:       sourceCM.ChainID,
		OrderID:       dest.Config.MetaDataID,
		SourceMap:     sourceCM.SourceMap,
		ConnectorMap:  cloneMap(sourceCM.ConnectorMap),
		ChannelMap:    cloneMap(sourceCM.ChannelMap),
		ResponseMap:   map[string]interface{}{},
	}
	if err := p.store.InsertConnectorMessage(ctx, dcm); err != nil {
		return dcm, nil, err
	}

	destPayload := payload

	if dest.Config.FilterScript != "" {
		rb, err := p.scripts.Run(ctx, p.cfg.ID, destinationFilterKind(dest.Config.Name), &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: dcm.SourceMap, ConnectorMap: dcm.ConnectorMap, ChannelMap: dcm.ChannelMap,
			Msg: destPayload, Phase: "destination_filter",
		})
		if err != nil {
			dcm.SetErrorBit(model.ErrorBitProcessing, err.Error())
			p.transitionErr(ctx, dcm, model.StatusError)
			return dcm, nil, err
		}
		if !rb.FilterPassed {
			p.transitionErr(ctx, dcm, model.StatusFiltered)
			return dcm, &model.Response{Status: model.ResponseFiltered}, nil
		}
	}

	if dest.Config.TransformScript != "" {
		rb, err := p.scripts.Run(ctx, p.cfg.ID, destinationTransformKind(dest.Config.Name), &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			SourceMap: dcm.SourceMap, ConnectorMap: dcm.ConnectorMap, ChannelMap: dcm.ChannelMap,
			Msg: destPayload, Phase: "destination_transformer",
		})
		if err != nil {
			dcm.SetErrorBit(model.ErrorBitProcessing, err.Error())
			p.transitionErr(ctx, dcm, model.StatusError)
			return dcm, nil, err
		}
		if rb.Msg != "" {
			destPayload = rb.Msg
		}
	}
	if err := p.transition(ctx, dcm, model.StatusTransformed); err != nil {
		return dcm, nil, err
	}
	p.persistContent(ctx, dcm.MessageID, dcm.MetaDataID, model.ContentTransformed, destPayload)

	if err := p.transition(ctx, dcm, model.StatusPending); err != nil {
		return dcm, nil, err
	}

	resp, err := p.sendWithRetry(ctx, log, dest, dcm, destPayload)

	if dest.Config.ResponseTransformScript != "" && resp != nil {
		rb, rerr := p.scripts.Run(ctx, p.cfg.ID, responseTransformKind(dest.Config.Name), &script.Scope{
			ChannelID: p.cfg.ID, ChannelName: p.cfg.Name,
			GlobalMap: p.globalMap, GlobalChannelMap: p.globalChannelMap,
			ResponseMap: dcm.ResponseMap,
			Phase:       "response_transformer",
			ResponseStatus: string(resp.Status), ResponseStatusMessage: resp.StatusMessage, ResponseErrorMessage: resp.ErrorDetail,
		})
		if rerr == nil {
			if rb.ResponseStatus != "" {
				resp.Status = model.ResponseStatus(rb.ResponseStatus)
			}
			if rb.ResponseStatusMessage != "" {
				resp.StatusMessage = rb.ResponseStatusMessage
			}
			p.persistContent(ctx, dcm.MessageID, dcm.MetaDataID, model.ContentResponseTransformed, resp.MessageBody)
		} else {
			log.WithError(rerr).Warn("response transformer failed")
		}
	}

	return dcm, resp, err
}

// sendWithRetry drives the Dispatch stage: QUEUED -> SENT/ERROR, retrying up
// to the destination's configured RetryCount on a retryable failure or, when
// the destination has QueueEnabled, a QUEUED response.
func (p *Pipeline) sendWithRetry(ctx context.Context, log *logging.Context, dest *Destination, dcm *model.ConnectorMessage, payload string) (*model.Response, error) {
	backoff := time.Duration(dest.Config.RetryIntervalMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 5 * time.Second
	}

	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			if err := p.transition(ctx, dcm, model.StatusQueued); err != nil {
				return nil, err
			}
		} else {
			if err := p.transitionErr(ctx, dcm, model.StatusQueued); err != nil {
				return nil, err
			}
		}
		dcm.SendAttempts++
		p.store.SetErrorCode(ctx, dcm)

		resp, err := dest.Connector.Send(ctx, dcm, payload)
		if err == nil && resp != nil && resp.Status == model.ResponseSent {
			p.transitionErr(ctx, dcm, model.StatusSent)
			p.persistContent(ctx, dcm.MessageID, dcm.MetaDataID, model.ContentSent, payload)
			if resp.MessageBody != "" {
				p.persistContent(ctx, dcm.MessageID, dcm.MetaDataID, model.ContentResponse, resp.MessageBody)
			}
			return resp, nil
		}

		retryable := false
		if err != nil {
			var ee *engineerr.Error
			if asEngineErr(err, &ee) {
				retryable = ee.Retryable()
			}
		} else if resp != nil && resp.Status == model.ResponseQueued && dest.Config.QueueEnabled {
			retryable = true
		}

		if retryable && attempt < dest.Config.RetryCount {
			log.WithField("attempt", attempt+1).Warn("destination send failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return resp, ctx.Err()
			}
			continue
		}

		if resp != nil && resp.Status == model.ResponseQueued {
			// A QUEUED response that is not retried (retries exhausted, or
			// QueueEnabled off) leaves the message QUEUED rather than
			// marking it an error.
			return resp, nil
		}

		detail := ""
		if err != nil {
			detail = err.Error()
		} else if resp != nil {
			detail = resp.ErrorDetail
		}
		dcm.SetErrorBit(model.ErrorBitProcessing, detail)
		p.transitionErr(ctx, dcm, model.StatusError)
		p.store.SetErrorCode(ctx, dcm)
		return resp, err
	}
}

func asEngineErr(err error, target **engineerr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ee, ok := e.(*engineerr.Error); ok {
			*target = ee
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (p *Pipeline) fail(ctx context.Context, log *logging.Context, cm *model.ConnectorMessage, bit int, err error) (*model.Response, error) {
	cm.SetErrorBit(bit, err.Error())
	p.transitionErr(ctx, cm, model.StatusError)
	p.store.SetErrorCode(ctx, cm)
	log.WithError(err).Error("message processing failed")
	p.tracker.finish(cm.MessageID, err)
	return &model.Response{Status: model.ResponseError, ErrorDetail: err.Error()}, nil
}

func (p *Pipeline) finishFiltered(ctx context.Context, log *logging.Context, cm *model.ConnectorMessage) (*model.Response, error) {
	p.transitionErr(ctx, cm, model.StatusFiltered)
	p.store.MarkProcessed(ctx, p.cfg.ID, cm.MessageID)
	p.tracker.finish(cm.MessageID, nil)
	return &model.Response{Status: model.ResponseFiltered}, nil
}

// transition enforces the lattice and persists the new status, returning an
// error (not logging-only) since an illegal transition is a programming
// defect in the pipeline itself.
func (p *Pipeline) transition(ctx context.Context, cm *model.ConnectorMessage, to model.Status) error {
	if err := cm.Status.Transition(to); err != nil {
		return engineerr.Abort("pipeline.transition", err.Error())
	}
	cm.Status = to
	return p.store.UpdateConnectorMessageStatus(ctx, p.cfg.ID, cm.MessageID, cm.MetaDataID, to, time.Now())
}

// transitionErr is transition plus a warning log line when it fails; the
// error is still returned. Callers on already-terminal code paths discard
// it, since returning it would just mask the real outcome being reported to
// the caller.
func (p *Pipeline) transitionErr(ctx context.Context, cm *model.ConnectorMessage, to model.Status) error {
	if err := p.transition(ctx, cm, to); err != nil {
		p.logger.WithError(err).Warn("status transition persistence failed")
		return err
	}
	return nil
}

func (p *Pipeline) persistContent(ctx context.Context, messageID int64, metaDataID int, ct model.ContentType, content string) error {
	if p.cfg.StorageMode == model.StorageDisabled {
		return nil
	}
	return p.store.InsertContent(ctx, p.cfg.ID, &model.MessageContent{
		MessageID: messageID, MetaDataID: metaDataID, ContentType: ct, Content: content, DataType: "text/plain",
	})
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toJSON(m map[string]interface{}) string {
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}
