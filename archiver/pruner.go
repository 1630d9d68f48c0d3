package archiver

import (
	"context"
	"sync"
	"time"

	"chengine.dev/engine/logging"
	"chengine.dev/engine/model"
	"chengine.dev/engine/store"
)

// idRetrieveLimit bounds how many candidate ids a single GetMessagesToPrune
// call will fetch per channel per run.
const idRetrieveLimit = 100_000

// Config is the process-wide Pruner configuration. Per-channel thresholds
// live on model.ChannelConfig.PruneMetaDataDays/PruneContentDays.
type Config struct {
	Enabled              bool
	PollingIntervalHours int
	PruningBlockSize     int // default 1000
	ArchivingBlockSize   int // default 50
	ArchiveEnabled       bool
	SkipStatuses         []model.Status // default ERROR, QUEUED, PENDING
	SkipIncomplete       bool           // default true
	MaxEventAgeDays      int            // 0 disables event pruning
}

func (c Config) pruningBlockSize() int {
	if c.PruningBlockSize <= 0 {
		return 1000
	}
	return c.PruningBlockSize
}

func (c Config) archivingBlockSize() int {
	if c.ArchivingBlockSize <= 0 {
		return 50
	}
	return c.ArchivingBlockSize
}

func (c Config) skipStatuses() []model.Status {
	if len(c.SkipStatuses) == 0 {
		return []model.Status{model.StatusError, model.StatusQueued, model.StatusPending}
	}
	return c.SkipStatuses
}

func (c Config) pollingInterval() time.Duration {
	if c.PollingIntervalHours <= 0 {
		return time.Hour
	}
	return time.Duration(c.PollingIntervalHours) * time.Hour
}

// ChannelSource supplies the deployed channel configs the Pruner should
// consider on each run; the Engine Controller's registry implements this
// without the archiver package needing to import engine (avoiding a cycle).
type ChannelSource interface {
	ChannelConfigs() []model.ChannelConfig
}

// Status is the live snapshot of a pruning run. Pending/Processed/Failed
// are channel ids, not sets, since the count at any instant is small and
// JSON-friendly ordering is preferred over a map.
type Status struct {
	Running          bool
	CurrentChannelID string
	CurrentChannel   string
	Pending          []string
	Processed        []string
	Failed           []string
	StartedAt        time.Time
}

// Pruner runs the periodic archive-then-prune sweep across every deployed
// channel with pruning configured: a ticker-driven loop over a per-channel
// task queue, each channel with its own date thresholds.
type Pruner struct {
	store    *store.MessageStore
	cfgStore *store.ConfigStore
	archiver *Archiver
	channels ChannelSource
	cfg      Config
	logger   *logging.Context

	mu      sync.Mutex
	running bool
	status  Status
	stop    chan struct{}
	abort   context.CancelFunc // set while a run is in progress
}

func NewPruner(st *store.MessageStore, cfgStore *store.ConfigStore, arch *Archiver, channels ChannelSource, cfg Config, logger *logging.Context) *Pruner {
	return &Pruner{store: st, cfgStore: cfgStore, archiver: arch, channels: channels, cfg: cfg, logger: logger}
}

// Start launches the polling scheduler. A tick is skipped (not queued) if
// the previous run is still in progress.
func (p *Pruner) Start() {
	if !p.cfg.Enabled {
		return
	}
	p.stop = make(chan struct{})
	go p.scheduleLoop()
}

func (p *Pruner) Stop() {
	if p.stop != nil {
		close(p.stop)
	}
}

func (p *Pruner) scheduleLoop() {
	interval := p.Config().pollingInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if d := p.Config().pollingInterval(); d != interval {
				interval = d
				ticker.Reset(d)
			}
			if p.IsRunning() {
				p.logger.Warn("pruner tick skipped, previous run still in progress")
				continue
			}
			p.Run(context.Background())
		}
	}
}

func (p *Pruner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Abort cancels the in-progress run, if any, letting it unwind at its next
// context check rather than killing it mid-statement. Returns false if no
// run was in progress.
func (p *Pruner) Abort() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abort == nil {
		return false
	}
	p.abort()
	return true
}

// Config returns the currently active Pruner configuration.
func (p *Pruner) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig replaces the active configuration. The scheduler picks up
// the new polling interval and skip rules on its next tick; an in-progress
// run finishes under the configuration it started with.
func (p *Pruner) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// LiveStatus returns a snapshot of the in-progress run, or the zero value
// if nothing is running.
func (p *Pruner) LiveStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

type pruneTask struct {
	cfg                  model.ChannelConfig
	messageDateThreshold time.Time
	contentDateThreshold *time.Time
}

// Run executes one full sweep: build the per-channel task queue, then
// process each task's candidates in pruningBlockSize batches, archiving a
// batch before deleting it and using only the ids that were successfully
// archived for the delete.
func (p *Pruner) Run(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.abort = cancel
	p.status = Status{Running: true, StartedAt: time.Now()}
	p.mu.Unlock()

	var processed, failed []string
	var messagesPruned, messagesArchived int

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.abort = nil
		p.status.Running = false
		p.mu.Unlock()
		if p.cfgStore != nil {
			_ = p.cfgStore.SavePrunerStatusSnapshot(&store.PrunerStatusRecord{
				StartedAt:         p.status.StartedAt,
				CompletedAt:       time.Now(),
				ChannelsProcessed: len(processed),
				MessagesPruned:    messagesPruned,
				MessagesArchived:  messagesArchived,
				Failed:            len(failed) > 0,
				Detail:            "",
			})
		}
	}()

	if p.cfg.MaxEventAgeDays > 0 {
		p.pruneEvents(ctx)
	}

	tasks := p.buildTaskQueue()
	p.mu.Lock()
	for _, t := range tasks {
		p.status.Pending = append(p.status.Pending, t.cfg.ID)
	}
	p.mu.Unlock()

	for _, task := range tasks {
		p.mu.Lock()
		p.status.CurrentChannelID = task.cfg.ID
		p.status.CurrentChannel = task.cfg.Name
		p.mu.Unlock()

		pruned, archived, err := p.runTask(ctx, task)
		messagesPruned += pruned
		messagesArchived += archived

		p.mu.Lock()
		p.status.Pending = removeID(p.status.Pending, task.cfg.ID)
		if err != nil {
			p.logger.WithError(err).WithField("channel_id", task.cfg.ID).Error("pruning task failed")
			p.status.Failed = append(p.status.Failed, task.cfg.ID)
			failed = append(failed, task.cfg.ID)
		} else {
			p.status.Processed = append(p.status.Processed, task.cfg.ID)
			processed = append(processed, task.cfg.ID)
		}
		p.mu.Unlock()
	}
}

// buildTaskQueue skips DISABLED-storage channels and channels with no
// pruning settings configured, and computes each task's date thresholds,
// forcing the content threshold to nil for METADATA storage mode (there is
// no separate raw content to prune once the channel never stored it).
func (p *Pruner) buildTaskQueue() []pruneTask {
	var tasks []pruneTask
	if p.channels == nil {
		return tasks
	}
	now := time.Now()
	for _, cfg := range p.channels.ChannelConfigs() {
		if cfg.StorageMode == model.StorageDisabled {
			continue
		}
		if cfg.PruneMetaDataDays == nil && cfg.PruneContentDays == nil {
			continue
		}
		task := pruneTask{cfg: cfg}
		if cfg.PruneMetaDataDays != nil {
			task.messageDateThreshold = now.AddDate(0, 0, -*cfg.PruneMetaDataDays)
		}
		if cfg.PruneContentDays != nil && cfg.StorageMode != model.StorageMetadata {
			t := now.AddDate(0, 0, -*cfg.PruneContentDays)
			task.contentDateThreshold = &t
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// runTask processes one channel's candidates to completion, aborting
// mid-batch and leaving the Status snapshot at its last-good state if the
// context is cancelled.
func (p *Pruner) runTask(ctx context.Context, task pruneTask) (pruned, archived int, err error) {
	if !task.messageDateThreshold.IsZero() {
		n, a, err := p.pruneFullMessages(ctx, task)
		pruned += n
		archived += a
		if err != nil {
			return pruned, archived, err
		}
	}
	if task.contentDateThreshold != nil {
		n, err := p.pruneContentOnly(ctx, task)
		pruned += n
		if err != nil {
			return pruned, archived, err
		}
	}
	return pruned, archived, nil
}

func (p *Pruner) pruneFullMessages(ctx context.Context, task pruneTask) (pruned, archived int, err error) {
	for {
		select {
		case <-ctx.Done():
			return pruned, archived, ctx.Err()
		default:
		}

		ids, err := p.store.GetMessagesToPrune(ctx, task.cfg.ID, task.messageDateThreshold, idRetrieveLimit, p.cfg.skipStatuses(), p.cfg.SkipIncomplete)
		if err != nil {
			return pruned, archived, err
		}
		if len(ids) == 0 {
			return pruned, archived, nil
		}

		for _, batch := range chunk(ids, p.cfg.pruningBlockSize()) {
			select {
			case <-ctx.Done():
				return pruned, archived, ctx.Err()
			default:
			}

			deletable := batch
			if p.cfg.ArchiveEnabled && p.archiver != nil {
				var archivedIDs []int64
				for _, archBatch := range chunk(batch, p.cfg.archivingBlockSize()) {
					ok, err := p.archiver.ArchiveBatch(ctx, task.cfg.ID, archBatch)
					if err != nil {
						p.logger.WithError(err).WithField("channel_id", task.cfg.ID).Error("archive batch failed, skipping delete for this batch")
						continue
					}
					archivedIDs = append(archivedIDs, ok...)
				}
				archived += len(archivedIDs)
				// Only delete what was actually archived.
				deletable = archivedIDs
			}

			n, err := p.store.PruneMessages(ctx, task.cfg.ID, deletable)
			if err != nil {
				return pruned, archived, err
			}
			pruned += n
		}

		if len(ids) < idRetrieveLimit {
			return pruned, archived, nil
		}
	}
}

func (p *Pruner) pruneContentOnly(ctx context.Context, task pruneTask) (pruned int, err error) {
	ids, err := p.store.GetMessagesToPrune(ctx, task.cfg.ID, *task.contentDateThreshold, idRetrieveLimit, p.cfg.skipStatuses(), p.cfg.SkipIncomplete)
	if err != nil {
		return 0, err
	}
	for _, batch := range chunk(ids, p.cfg.pruningBlockSize()) {
		select {
		case <-ctx.Done():
			return pruned, ctx.Err()
		default:
		}
		if err := p.store.PruneMessageContent(ctx, task.cfg.ID, batch); err != nil {
			return pruned, err
		}
		pruned += len(batch)
	}
	return pruned, nil
}

// pruneEvents trims the process-wide audit event log once per run, before
// any channel task.
func (p *Pruner) pruneEvents(ctx context.Context) {
	if p.cfgStore == nil {
		return
	}
	threshold := time.Now().AddDate(0, 0, -p.cfg.MaxEventAgeDays)
	n, err := p.cfgStore.DeleteEventsBefore(threshold)
	if err != nil {
		p.logger.WithError(err).Warn("event log trim failed, continuing with channel tasks")
		return
	}
	if n > 0 {
		p.logger.WithField("events_removed", n).Info("trimmed audit event log")
	}
}

func chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
