// Package db journals transfer records into a reindexer namespace so a
// run's per-key outcomes outlive the process.
package db

import (
	"context"
	"strconv"
	"time"

	"github.com/restream/reindexer"
	_ "github.com/restream/reindexer/bindings/cproto"

	schema "gitlab.diskarte.net/engineering/redis-mirror"
)

// Item is one journaled transfer record.
type Item struct {
	ID      string `reindex:"id,,pk"`
	RunID   string `reindex:"run_id"`
	DB      int    `reindex:"db"`
	Key     string `reindex:"key"`
	Type    string `reindex:"type"`
	Outcome string `reindex:"outcome"`
	Cause   string `json:"cause"`
	TTL     int64  `json:"ttl_ms"`
	At      int64  `reindex:"at"`
}

// Journal writes records of runs against one logical database.
type Journal struct {
	indexer   *reindexer.Reindexer
	namespace string
	db        int
}

// Open connects to dsn (cproto://host:port/dbname) and opens namespace.
func Open(dsn, namespace string, db int) (*Journal, error) {
	r := reindexer.NewReindex(dsn)
	if err := r.OpenNamespace(namespace, reindexer.DefaultNamespaceOptions(), Item{}); err != nil {
		r.Close()
		return nil, err
	}
	return &Journal{indexer: r, namespace: namespace, db: db}, nil
}

// Record upserts rec; a re-processed key replaces its previous record.
func (j *Journal) Record(ctx context.Context, runID string, rec schema.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.indexer.Upsert(j.namespace, j.item(runID, rec))
}

func (j *Journal) item(runID string, rec schema.Record) *Item {
	it := &Item{
		ID:      runID + ":" + strconv.Itoa(j.db) + ":" + rec.Handle.Key,
		RunID:   runID,
		DB:      j.db,
		Key:     rec.Handle.Key,
		Type:    rec.Handle.Type.String(),
		Outcome: rec.Outcome.String(),
		TTL:     rec.Handle.TTL.Millis(),
		At:      time.Now().Unix(),
	}
	if rec.Cause != nil {
		it.Cause = rec.Cause.Error()
	}
	return it
}

// Failed lists the failed records of a run.
func (j *Journal) Failed(runID string) ([]*Item, error) {
	it := j.indexer.Query(j.namespace).
		WhereString("run_id", reindexer.EQ, runID).
		WhereInt("db", reindexer.EQ, j.db).
		WhereString("outcome", reindexer.EQ, schema.Failed.String()).
		Exec()
	defer it.Close()

	var out []*Item
	for it.Next() {
		out = append(out, it.Object().(*Item))
	}
	return out, it.Error()
}

// Close releases the connection.
func (j *Journal) Close() {
	j.indexer.Close()
}
