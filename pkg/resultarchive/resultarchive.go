// Package resultarchive durably records every task's terminal result for
// long-term audit/query, backed by MongoDB via the official mongo-driver.
// Grounded on master/internal/db/results.go's ResultDB (mongo.Connect +
// options.Client().ApplyURI + a ping + a single collection), generalized
// from that teacher's fixed TaskResult shape to this cluster's
// mbrace.Result kinds (success/fault/init-error/killed).
//
// This is distinct from pkg/blobstore, an opaque key-addressed store. The
// archive kept here is an append-only per-task audit trail — every
// TaskManager.TaskResult, including ones a scheduler later retries past —
// queryable by worker after the fact (GetResultsByWorker); there is no
// query by process or by task.
package resultarchive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
	"github.com/Codesmith28/mbrace/pkg/mlog"
)

// Entry is one archived task result, mirroring TaskResult's bson shape.
type Entry struct {
	ProcessId   string    `bson:"process_id"`
	TaskId      string    `bson:"task_id"`
	WorkerId    string    `bson:"worker_id"`
	Status      string    `bson:"status"` // "success", "fault", "init_error", "killed"
	Detail      string    `bson:"detail,omitempty"`
	CompletedAt time.Time `bson:"completed_at"`
}

// Config points at a MongoDB deployment and the database/collection to
// archive into.
type Config struct {
	URI        string
	Database   string
	Collection string
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "task_results"
	}
	return c
}

// Archive appends task results to one MongoDB collection.
type Archive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to MongoDB and pings it, the same way NewResultDB does,
// so a misconfigured URI fails at startup rather than on the first
// archived result.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	cfg = cfg.withDefaults()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("resultarchive: connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("resultarchive: ping mongodb: %w", err)
	}

	return &Archive{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Close disconnects the underlying MongoDB client.
func (a *Archive) Close(ctx context.Context) error {
	if a.client == nil {
		return nil
	}
	return a.client.Disconnect(ctx)
}

func statusOf(kind mbrace.ResultKind) string {
	switch kind {
	case mbrace.ResultSuccess:
		return "success"
	case mbrace.ResultFault:
		return "fault"
	case mbrace.ResultInitError:
		return "init_error"
	case mbrace.ResultKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// ArchiveResult inserts one Entry for a terminal task result. It
// satisfies pkg/taskmanager.ResultArchiver. Failures are logged here as a
// warning, not retried: a dropped audit row never blocks task completion.
func (a *Archive) ArchiveResult(processId mbrace.ProcessId, taskId mbrace.TaskId, workerId string, result mbrace.Result) {
	detail := result.Err
	if result.Kind == mbrace.ResultSuccess && detail == "" {
		detail = string(result.Value)
	}

	entry := Entry{
		ProcessId:   string(processId),
		TaskId:      string(taskId),
		WorkerId:    workerId,
		Status:      statusOf(result.Kind),
		Detail:      detail,
		CompletedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.collection.InsertOne(ctx, entry); err != nil {
		mlog.Component("resultarchive").Warn().Err(err).Str("task_id", string(taskId)).Msg("failed to archive task result")
	}
}

// GetResultsByWorker retrieves every archived entry for one worker,
// mirroring ResultDB.GetResultsByWorker — used by the admin surface to
// audit a worker's task history after it has left the pool.
func (a *Archive) GetResultsByWorker(ctx context.Context, workerId string) ([]Entry, error) {
	cursor, err := a.collection.Find(ctx, bson.M{"worker_id": workerId})
	if err != nil {
		return nil, fmt.Errorf("resultarchive: query by worker: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []Entry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("resultarchive: decode results: %w", err)
	}
	return entries, nil
}
