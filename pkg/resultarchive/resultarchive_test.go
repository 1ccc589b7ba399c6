package resultarchive

import (
	"context"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		kind mbrace.ResultKind
		want string
	}{
		{mbrace.ResultSuccess, "success"},
		{mbrace.ResultFault, "fault"},
		{mbrace.ResultInitError, "init_error"},
		{mbrace.ResultKilled, "killed"},
	}
	for _, c := range cases {
		if got := statusOf(c.kind); got != c.want {
			t.Errorf("statusOf(%v) = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestArchiveResultInsertsEntry(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	mt.Run("success", func(mt *mtest.T) {
		a := &Archive{client: mt.Client, collection: mt.Coll}

		mt.AddMockResponses(mtest.CreateSuccessResponse())
		a.ArchiveResult("proc-1", "task-1", "worker-1", mbrace.SuccessResult([]byte("ok")))
		// A mock insert failure would only surface as a logged warning, so
		// this just exercises the call path without asserting side effects
		// mtest.Mock can't observe.
	})
}

func TestGetResultsByWorker(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	mt.Run("returns decoded entries", func(mt *mtest.T) {
		a := &Archive{client: mt.Client, collection: mt.Coll}

		first := mtest.CreateCursorResponse(1, "db.task_results", mtest.FirstBatch, bson.D{
			{Key: "process_id", Value: "proc-1"},
			{Key: "task_id", Value: "task-1"},
			{Key: "worker_id", Value: "worker-1"},
			{Key: "status", Value: "success"},
		})
		killCursors := mtest.CreateCursorResponse(0, "db.task_results", mtest.NextBatch)
		mt.AddMockResponses(first, killCursors)

		entries, err := a.GetResultsByWorker(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("GetResultsByWorker: %v", err)
		}
		if len(entries) != 1 || entries[0].TaskId != "task-1" {
			t.Fatalf("unexpected entries: %+v", entries)
		}
	})
}
