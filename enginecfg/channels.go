package enginecfg

import (
	"fmt"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"chengine.dev/engine/archiver"
	"chengine.dev/engine/model"
)

// destinationDoc is the YAML shape of one DestinationConfig, mapstructure
// tags matching the snake_case keys channel documents use elsewhere in
// this repo (store/channeldocs.go's ChannelDocument).
type destinationDoc struct {
	MetaDataID              int               `mapstructure:"metadata_id"`
	Name                    string            `mapstructure:"name"`
	Kind                    string            `mapstructure:"kind"`
	Enabled                 bool              `mapstructure:"enabled"`
	Parallel                bool              `mapstructure:"parallel"`
	RetryCount              int               `mapstructure:"retry_count"`
	RetryIntervalMS         int               `mapstructure:"retry_interval_ms"`
	QueueEnabled            bool              `mapstructure:"queue_enabled"`
	FilterScript            string            `mapstructure:"filter_script"`
	TransformScript         string            `mapstructure:"transform_script"`
	ResponseTransformScript string            `mapstructure:"response_transform_script"`
	Properties              map[string]string `mapstructure:"properties"`
}

func (d destinationDoc) toModel() model.DestinationConfig {
	return model.DestinationConfig{
		MetaDataID:              d.MetaDataID,
		Name:                    d.Name,
		Kind:                    d.Kind,
		Enabled:                 d.Enabled,
		Parallel:                d.Parallel,
		RetryCount:              d.RetryCount,
		RetryIntervalMS:         d.RetryIntervalMS,
		QueueEnabled:            d.QueueEnabled,
		FilterScript:            d.FilterScript,
		TransformScript:         d.TransformScript,
		ResponseTransformScript: d.ResponseTransformScript,
		Properties:              d.Properties,
	}
}

// channelDoc is the YAML shape of one channel document.
type channelDoc struct {
	ID                    string           `mapstructure:"id"`
	Name                  string           `mapstructure:"name"`
	Enabled               bool             `mapstructure:"enabled"`
	StorageMode           string           `mapstructure:"storage_mode"`
	SourceKind            string           `mapstructure:"source_kind"`
	SourceFilterScript    string           `mapstructure:"source_filter_script"`
	SourceTransformScript string           `mapstructure:"source_transform_script"`
	PreprocessorScript    string           `mapstructure:"preprocessor_script"`
	PostprocessorScript   string           `mapstructure:"postprocessor_script"`
	DeployScript          string           `mapstructure:"deploy_script"`
	UndeployScript        string           `mapstructure:"undeploy_script"`
	Destinations          []destinationDoc `mapstructure:"destinations"`
	WaitForDestinations   bool             `mapstructure:"wait_for_destinations"`
	DispatchParallel      bool             `mapstructure:"dispatch_parallel"`
	WorkerCount           int              `mapstructure:"worker_count"`
	PruneMetaDataDays     *int             `mapstructure:"prune_metadata_days"`
	PruneContentDays      *int             `mapstructure:"prune_content_days"`
}

func (d channelDoc) toModel() model.ChannelConfig {
	destinations := make([]model.DestinationConfig, len(d.Destinations))
	for i, dest := range d.Destinations {
		destinations[i] = dest.toModel()
	}
	return model.ChannelConfig{
		ID:                    d.ID,
		Name:                  d.Name,
		Enabled:               d.Enabled,
		StorageMode:           model.StorageMode(d.StorageMode),
		SourceKind:            d.SourceKind,
		SourceFilterScript:    d.SourceFilterScript,
		SourceTransformScript: d.SourceTransformScript,
		PreprocessorScript:    d.PreprocessorScript,
		PostprocessorScript:   d.PostprocessorScript,
		DeployScript:          d.DeployScript,
		UndeployScript:        d.UndeployScript,
		Destinations:          destinations,
		WaitForDestinations:   d.WaitForDestinations,
		DispatchParallel:      d.DispatchParallel,
		WorkerCount:           d.WorkerCount,
		PruneMetaDataDays:     d.PruneMetaDataDays,
		PruneContentDays:      d.PruneContentDays,
	}
}

// prunerDoc is the YAML shape of the process-wide pruner document.
type prunerDoc struct {
	Enabled              bool     `mapstructure:"enabled"`
	PollingIntervalHours int      `mapstructure:"polling_interval_hours"`
	PruningBlockSize     int      `mapstructure:"pruning_block_size"`
	ArchivingBlockSize   int      `mapstructure:"archiving_block_size"`
	ArchiveEnabled       bool     `mapstructure:"archive_enabled"`
	SkipStatuses         []string `mapstructure:"skip_statuses"`
	SkipIncomplete       bool     `mapstructure:"skip_incomplete"`
	MaxEventAgeDays      int      `mapstructure:"max_event_age_days"`
}

func (d prunerDoc) toConfig() archiver.Config {
	statuses := make([]model.Status, len(d.SkipStatuses))
	for i, s := range d.SkipStatuses {
		statuses[i] = model.Status(s)
	}
	return archiver.Config{
		Enabled:              d.Enabled,
		PollingIntervalHours: d.PollingIntervalHours,
		PruningBlockSize:     d.PruningBlockSize,
		ArchivingBlockSize:   d.ArchivingBlockSize,
		ArchiveEnabled:       d.ArchiveEnabled,
		SkipStatuses:         statuses,
		SkipIncomplete:       d.SkipIncomplete,
		MaxEventAgeDays:      d.MaxEventAgeDays,
	}
}

// documentRoot is the top-level shape of the engine's YAML configuration
// file: one document listing every channel to deploy at startup, plus the
// pruner document.
type documentRoot struct {
	Channels []channelDoc `mapstructure:"channels"`
	Pruner   prunerDoc    `mapstructure:"pruner"`
}

// ChannelBundle is the parsed result of LoadChannelBundle.
type ChannelBundle struct {
	Channels    []model.ChannelConfig
	PrunerConfig archiver.Config
}

// LoadChannelBundle reads the engine's channel/pruner YAML document via
// Viper, searching $HOME/.channel-engine.yaml then ./.channel-engine.yaml
// when path is empty.
func LoadChannelBundle(path string) (ChannelBundle, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".channel-engine")
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return ChannelBundle{}, fmt.Errorf("enginecfg.LoadChannelBundle: %w", err)
	}

	var root documentRoot
	if err := v.Unmarshal(&root); err != nil {
		return ChannelBundle{}, fmt.Errorf("enginecfg.LoadChannelBundle: unmarshal: %w", err)
	}

	channels := make([]model.ChannelConfig, len(root.Channels))
	for i, ch := range root.Channels {
		channels[i] = ch.toModel()
	}
	return ChannelBundle{Channels: channels, PrunerConfig: root.Pruner.toConfig()}, nil
}
