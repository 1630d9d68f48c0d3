// Package archiver implements the Data Pruner/Archiver: bounding the
// growth of the Message Store by periodically exporting and removing
// messages older than per-channel thresholds.
package archiver

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"chengine.dev/engine/logging"
	"chengine.dev/engine/store"
)

// Archiver streams a batch of already-selected message ids to archive
// files (optionally gzip-compressed, optionally encrypted) and, if an S3
// target is configured, uploads each finished file. It reports back only
// the ids it actually got onto durable storage; the Pruner deletes exactly
// that set, never more.
type Archiver struct {
	store  *store.MessageStore
	s3     *S3Target // nil disables S3 upload; local files are always written
	cfg    FileConfig
	logger *logging.Context
}

func NewArchiver(st *store.MessageStore, s3 *S3Target, cfg FileConfig, logger *logging.Context) *Archiver {
	return &Archiver{store: st, s3: s3, cfg: cfg, logger: logger}
}

// ArchiveBatch fetches the flattened ArchiveRecord for every id, writes
// them to rotating files, and returns the subset of ids whose file made it
// to local disk. When an S3 target is configured, a failed upload is logged
// and does not remove ids from the result.
func (a *Archiver) ArchiveBatch(ctx context.Context, channelID string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	records, err := a.store.FetchForArchive(ctx, channelID, ids)
	if err != nil {
		return nil, fmt.Errorf("archiver.ArchiveBatch: fetch: %w", err)
	}

	w := newFileWriter(a.cfg, channelID)
	var archived []int64
	var pending []int64 // buffered in w, not yet on disk
	var writtenFiles []string

	for _, rec := range records {
		closedPath, err := w.Write(rec)
		if err != nil {
			a.logger.WithError(err).WithField("message_id", rec.MessageID).Error("failed to write archive record, skipping")
			continue
		}
		pending = append(pending, rec.MessageID)
		if closedPath != "" {
			archived = append(archived, pending...)
			pending = pending[:0]
			writtenFiles = append(writtenFiles, closedPath)
		}
	}
	if lastPath, err := w.Flush(); err != nil {
		// The records still buffered never reached disk; they stay out of
		// the archived set so the Pruner will not delete them.
		a.logger.WithError(err).WithField("unarchived", len(pending)).Error("failed to flush final archive file")
	} else if lastPath != "" {
		archived = append(archived, pending...)
		writtenFiles = append(writtenFiles, lastPath)
	}

	for _, path := range writtenFiles {
		if fi, err := os.Stat(path); err == nil {
			a.logger.WithFields(map[string]interface{}{
				"path": path, "size": humanize.Bytes(uint64(fi.Size())),
			}).Info("archive file written")
		}
	}

	if a.s3 != nil {
		for _, path := range writtenFiles {
			if _, err := a.s3.Upload(ctx, channelID, path); err != nil {
				// The file is still safe on local disk; do not fail the
				// whole batch over an S3 hiccup, but do not mark it archived
				// twice either; local presence is already sufficient.
				a.logger.WithError(err).WithField("path", path).Warn("s3 upload failed, file remains local-only")
			}
		}
	}

	return archived, nil
}
