package workerpool

import (
	"testing"

	"github.com/Codesmith28/mbrace/pkg/mbrace"
)

func TestSelectSkipsNonePermission(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-none", Permissions: mbrace.PermNone})

	if _, ok := p.Select(); ok {
		t.Fatalf("Select should return none when only a PermNone worker is registered")
	}

	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-slave", Permissions: mbrace.PermSlave})
	ref, ok := p.Select()
	if !ok || ref.Id != "w-slave" {
		t.Fatalf("expected w-slave selected, got %+v ok=%v", ref, ok)
	}
}

func TestSelectBalancesLoad(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave})

	first, _ := p.Select()
	second, _ := p.Select()

	if first.Id == second.Id {
		t.Fatalf("expected least-loaded selection to alternate workers, got %s twice", first.Id)
	}
}

func TestSelectManyAllOrNothing(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave})

	if _, ok := p.SelectMany(3); ok {
		t.Fatalf("SelectMany(3) should fail with only 2 eligible workers")
	}

	if p.GetAvailableWorkerCount() != 2 {
		t.Fatalf("a failed SelectMany must not partially reserve workers")
	}

	refs, ok := p.SelectMany(2)
	if !ok || len(refs) != 2 {
		t.Fatalf("SelectMany(2) should succeed with exactly 2 eligible workers, got %+v ok=%v", refs, ok)
	}
}

func TestOnWorkerFailureNotifiesSubscribers(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	events := p.Subscribe()
	p.OnWorkerFailure("w-1")

	select {
	case ev := <-events:
		if ev.WorkerId != "w-1" {
			t.Fatalf("expected failure event for w-1, got %s", ev.WorkerId)
		}
	default:
		t.Fatalf("expected a failure event to be delivered")
	}

	if p.GetAvailableWorkerCount() != 0 {
		t.Fatalf("failed worker should be removed from the pool")
	}
}

func TestReleaseDecrementsLoad(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave})

	ref, _ := p.Select()
	p.Release(ref.Id)

	// After releasing the only worker's reservation, selecting again should
	// still return it (load is back to zero, not negative).
	if _, ok := p.Select(); !ok {
		t.Fatalf("expected worker to still be selectable after release")
	}
}

func TestLoadFactorStatsEmptyPool(t *testing.T) {
	p := New()
	mean, stddev := p.LoadFactorStats()
	if mean != 0 || stddev != 0 {
		t.Fatalf("expected zero stats on an empty pool, got mean=%v stddev=%v", mean, stddev)
	}
}

func TestLoadFactorStatsReflectsSpread(t *testing.T) {
	p := New()
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-1", Permissions: mbrace.PermSlave, LoadFactor: 10})
	p.UpdateHeartbeat(mbrace.WorkerRef{Id: "w-2", Permissions: mbrace.PermSlave, LoadFactor: 30})

	mean, stddev := p.LoadFactorStats()
	if mean != 20 {
		t.Fatalf("expected mean 20, got %v", mean)
	}
	if stddev <= 0 {
		t.Fatalf("expected a positive standard deviation for a 10/30 spread, got %v", stddev)
	}
}
