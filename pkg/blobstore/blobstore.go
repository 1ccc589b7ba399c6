// Package blobstore implements the Blob Store (spec §4.6): opaque
// key-addressed storage for process results and uploaded dependency
// assemblies, backed by CouchDB via go-kivik. Grounded on the teacher's
// pkg/persistence.CouchDBClient, rewritten against the kivik driver
// instead of hand-rolled net/http.
package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/couchdb/v4" // registers the "couch" driver

	"github.com/Codesmith28/mbrace/pkg/mbraceerr"
)

// blobDoc is the CouchDB document shape a blob is stored as: content is
// base64-encoded since kivik documents are JSON, not raw bytes.
type blobDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Content string `json:"content"`
}

// Config points at a CouchDB server and the database to use for blobs.
type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

// Store is opaque key-to-bytes storage, used for process Results (spec
// §4.4 ProcessImage.Result) and uploaded dependency assemblies.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
}

// New connects to CouchDB and ensures the configured database exists,
// creating it if necessary (mirrors CouchDBClient.CreateDatabase's
// create-or-ignore-409 behavior).
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := kivik.New("couch", cfg.URL)
	if err != nil {
		return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: failed to create client: %w", err)}
	}
	if cfg.Username != "" {
		if err := client.Authenticate(ctx, kivik.BasicAuth(cfg.Username, cfg.Password)); err != nil {
			return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: failed to authenticate: %w", err)}
		}
	}

	exists, err := client.DBExists(ctx, cfg.Database)
	if err != nil {
		return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: failed to check database: %w", err)}
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database); err != nil {
			return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: failed to create database: %w", err)}
		}
	}

	return &Store{client: client, db: client.DB(cfg.Database)}, nil
}

// Put stores value under key, creating or overwriting the document.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	doc := blobDoc{ID: key, Content: base64.StdEncoding.EncodeToString(value)}

	if rev, err := s.db.GetRev(ctx, key); err == nil {
		doc.Rev = rev
	}

	if _, err := s.db.Put(ctx, key, doc); err != nil {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: put %s failed: %w", key, err)}
	}
	return nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	row := s.db.Get(ctx, key)

	var doc blobDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, &mbraceerr.UserError{Err: fmt.Errorf("blobstore: key %s not found", key)}
		}
		return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: get %s failed: %w", key, err)}
	}

	value, err := base64.StdEncoding.DecodeString(doc.Content)
	if err != nil {
		return nil, &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: corrupt content for %s: %w", key, err)}
	}
	return value, nil
}

// Delete removes the document stored under key, used to clean up process
// results once ClearProcessInfo retires a completed process.
func (s *Store) Delete(ctx context.Context, key string) error {
	rev, err := s.db.GetRev(ctx, key)
	if err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil
		}
		return &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: delete %s failed to resolve rev: %w", key, err)}
	}
	if _, err := s.db.Delete(ctx, key, rev); err != nil {
		return &mbraceerr.SystemFault{Err: fmt.Errorf("blobstore: delete %s failed: %w", key, err)}
	}
	return nil
}

// Close releases the underlying CouchDB client.
func (s *Store) Close() error {
	return s.client.Close()
}
