package engine

import (
	"context"

	"chengine.dev/engine/connector"
	"chengine.dev/engine/model"
	"chengine.dev/engine/pipeline"
)

// Deployment is one deployed channel: its pipeline plus the source
// connector and destination connectors currently wired to it. It
// implements router.Channel so the controller can register it with the VM
// Router without router importing this package.
type Deployment struct {
	Config       model.ChannelConfig
	Source       connector.SourceConnector
	Destinations []*pipeline.Destination
	Pipeline     *pipeline.Pipeline
	drainer      *retryDrainer
}

func (d *Deployment) ID() string    { return d.Config.ID }
func (d *Deployment) Running() bool { return d.Pipeline.Running() }

func (d *Deployment) Dispatch(ctx context.Context, raw string, sourceMap map[string]interface{}, waitForCompletion bool) (*model.DispatchResult, error) {
	return d.Pipeline.Dispatch(ctx, raw, sourceMap, waitForCompletion)
}

func (d *Deployment) start(ctx context.Context) error {
	d.Pipeline.SetRunning(true)
	for i, dest := range d.Destinations {
		if !dest.Config.Enabled {
			continue
		}
		if err := dest.Connector.Start(ctx); err != nil {
			for _, started := range d.Destinations[:i] {
				if started.Config.Enabled {
					_ = started.Connector.Stop(ctx)
				}
			}
			d.Pipeline.SetRunning(false)
			return err
		}
	}
	if d.Source != nil {
		if err := d.Source.Start(ctx); err != nil {
			for _, dest := range d.Destinations {
				if dest.Config.Enabled {
					_ = dest.Connector.Stop(ctx)
				}
			}
			d.Pipeline.SetRunning(false)
			return err
		}
	}
	if d.drainer != nil {
		d.drainer.Start()
	}
	return nil
}

func (d *Deployment) stop(ctx context.Context) error {
	d.Pipeline.SetRunning(false)
	if d.drainer != nil {
		d.drainer.Stop()
	}
	var firstErr error
	if d.Source != nil {
		firstErr = d.Source.Stop(ctx)
	}
	for _, dest := range d.Destinations {
		if !dest.Config.Enabled {
			continue
		}
		if err := dest.Connector.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
