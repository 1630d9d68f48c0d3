package archiver

import (
	"encoding/json"

	"chengine.dev/engine/model"
)

// Where the Pruner configuration blob lives in the generic (category, key)
// configuration table.
const (
	ConfigCategory = "Data Pruner"
	ConfigKey      = "pruner.config"
)

// configJSON is the persisted wire shape of Config; statuses are plain
// strings so the stored document is self-describing.
type configJSON struct {
	Enabled              bool     `json:"enabled"`
	PollingIntervalHours int      `json:"pollingIntervalHours"`
	PruningBlockSize     int      `json:"pruningBlockSize"`
	ArchivingBlockSize   int      `json:"archivingBlockSize"`
	ArchiveEnabled       bool     `json:"archiveEnabled"`
	SkipStatuses         []string `json:"skipStatuses"`
	SkipIncomplete       bool     `json:"skipIncomplete"`
	MaxEventAgeDays      int      `json:"maxEventAgeDays"`
}

// ToJSON serializes the configuration for the configuration table.
func (c Config) ToJSON() ([]byte, error) {
	statuses := make([]string, len(c.SkipStatuses))
	for i, s := range c.SkipStatuses {
		statuses[i] = string(s)
	}
	return json.Marshal(configJSON{
		Enabled:              c.Enabled,
		PollingIntervalHours: c.PollingIntervalHours,
		PruningBlockSize:     c.PruningBlockSize,
		ArchivingBlockSize:   c.ArchivingBlockSize,
		ArchiveEnabled:       c.ArchiveEnabled,
		SkipStatuses:         statuses,
		SkipIncomplete:       c.SkipIncomplete,
		MaxEventAgeDays:      c.MaxEventAgeDays,
	})
}

// ConfigFromJSON reverses ToJSON.
func ConfigFromJSON(data []byte) (Config, error) {
	var doc configJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, err
	}
	statuses := make([]model.Status, len(doc.SkipStatuses))
	for i, s := range doc.SkipStatuses {
		statuses[i] = model.Status(s)
	}
	return Config{
		Enabled:              doc.Enabled,
		PollingIntervalHours: doc.PollingIntervalHours,
		PruningBlockSize:     doc.PruningBlockSize,
		ArchivingBlockSize:   doc.ArchivingBlockSize,
		ArchiveEnabled:       doc.ArchiveEnabled,
		SkipStatuses:         statuses,
		SkipIncomplete:       doc.SkipIncomplete,
		MaxEventAgeDays:      doc.MaxEventAgeDays,
	}, nil
}
