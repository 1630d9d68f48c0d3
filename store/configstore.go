package store

import (
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ConfigEntry is the generic (category, key) -> value row used to persist
// the Pruner's JSON configuration blob. Low-volume administrative rows go
// through GORM while the high-volume message tables go through the pgx
// pool in messagestore.go.
type ConfigEntry struct {
	Category  string `gorm:"primaryKey;column:category"`
	Key       string `gorm:"primaryKey;column:key"`
	Value     string `gorm:"column:value"`
	UpdatedAt time.Time
}

func (ConfigEntry) TableName() string { return "engine_config" }

// ConfigStore wraps a GORM handle over the same Postgres instance used by
// the Message Store, for the generic configuration table and (via
// SavePrunerStatusSnapshot) the Pruner's last-completed status record.
type ConfigStore struct {
	db *gorm.DB
}

func NewConfigStore(dsn string) (*ConfigStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ConfigEntry{}, &PrunerStatusRecord{}, &EventRecord{}); err != nil {
		return nil, err
	}
	return &ConfigStore{db: db}, nil
}

func (c *ConfigStore) Get(category, key string) (string, bool, error) {
	var entry ConfigEntry
	err := c.db.Where("category = ? AND key = ?", category, key).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (c *ConfigStore) Put(category, key, value string) error {
	entry := ConfigEntry{Category: category, Key: key, Value: value, UpdatedAt: time.Now()}
	return c.db.Save(&entry).Error
}

// PrunerStatusRecord is the immutable last-completed Pruner run snapshot,
// stored via GORM alongside the generic config table.
type PrunerStatusRecord struct {
	ID               uint `gorm:"primaryKey"`
	StartedAt        time.Time
	CompletedAt      time.Time
	ChannelsProcessed int
	MessagesPruned    int
	MessagesArchived  int
	Failed            bool
	Detail            string
}

func (PrunerStatusRecord) TableName() string { return "pruner_status_history" }

func (c *ConfigStore) SavePrunerStatusSnapshot(rec *PrunerStatusRecord) error {
	return c.db.Create(rec).Error
}

func (c *ConfigStore) LastPrunerStatus() (*PrunerStatusRecord, error) {
	var rec PrunerStatusRecord
	err := c.db.Order("completed_at DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EventRecord is one row of the process-wide audit event log: channel
// lifecycle transitions written by the Engine Controller. Trimmed by the
// Pruner under maxEventAgeDays.
type EventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	EventType string `gorm:"index"`
	ChannelID string `gorm:"index"`
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

func (EventRecord) TableName() string { return "engine_events" }

func (c *ConfigStore) SaveEvent(eventType, channelID, detail string) error {
	return c.db.Create(&EventRecord{EventType: eventType, ChannelID: channelID, Detail: detail, CreatedAt: time.Now()}).Error
}

// DeleteEventsBefore removes audit events older than the threshold,
// returning how many rows went away.
func (c *ConfigStore) DeleteEventsBefore(threshold time.Time) (int64, error) {
	res := c.db.Where("created_at < ?", threshold).Delete(&EventRecord{})
	return res.RowsAffected, res.Error
}
