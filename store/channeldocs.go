package store

import (
	"context"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver registration

	"chengine.dev/engine/model"
)

// ChannelDocumentStore persists the deployable form of a Channel
// (model.ChannelConfig) as a CouchDB document, one document per channel
// id.
type ChannelDocumentStore struct {
	client *kivik.Client
	db     *kivik.DB
}

func NewChannelDocumentStore(ctx context.Context, url, dbName string) (*ChannelDocumentStore, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("connect couchdb: %w", err)
	}
	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("check database: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	db := client.DB(dbName)
	return &ChannelDocumentStore{client: client, db: db}, nil
}

// channelDoc is the on-disk document shape; _rev is tracked so updates
// round-trip through CouchDB's MVCC.
type channelDoc struct {
	ID   string             `json:"_id"`
	Rev  string             `json:"_rev,omitempty"`
	Spec model.ChannelConfig `json:"spec"`
}

func (s *ChannelDocumentStore) Put(ctx context.Context, cfg model.ChannelConfig) error {
	doc := channelDoc{ID: cfg.ID, Spec: cfg}
	var existing channelDoc
	if err := s.db.Get(ctx, cfg.ID).ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	}
	_, err := s.db.Put(ctx, cfg.ID, doc)
	return err
}

func (s *ChannelDocumentStore) Get(ctx context.Context, channelID string) (*model.ChannelConfig, error) {
	var doc channelDoc
	if err := s.db.Get(ctx, channelID).ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("get channel document %s: %w", channelID, err)
	}
	return &doc.Spec, nil
}

func (s *ChannelDocumentStore) Delete(ctx context.Context, channelID string) error {
	var existing channelDoc
	if err := s.db.Get(ctx, channelID).ScanDoc(&existing); err != nil {
		return nil // already gone
	}
	_, err := s.db.Delete(ctx, channelID, existing.Rev)
	return err
}

// List returns every deployed-or-deployable channel document, used by
// cmd/engine on process start, when no channel bundle file is loaded, to
// redeploy the channels saved by earlier deploys.
func (s *ChannelDocumentStore) List(ctx context.Context) ([]model.ChannelConfig, error) {
	rows := s.db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rows.Close()

	var out []model.ChannelConfig
	for rows.Next() {
		var doc channelDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		out = append(out, doc.Spec)
	}
	return out, rows.Err()
}
