package detect

import (
	"context"
	"testing"
	"time"

	"github.com/realport/feedsync/internal/core"
)

var sweepNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	stuck     []core.QueueEntry
	inProcess map[int64]struct{}
	active    map[int64]time.Time
}

func (f *fakeStore) ListInProcessStartedBefore(_ context.Context, cutoff time.Time) ([]core.QueueEntry, error) {
	var out []core.QueueEntry
	for _, e := range f.stuck {
		if e.StartedAt != nil && e.StartedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) InProcessIDs(_ context.Context) (map[int64]struct{}, error) {
	if f.inProcess == nil {
		return map[int64]struct{}{}, nil
	}
	return f.inProcess, nil
}

func (f *fakeStore) ActiveSince(_ context.Context, id int64, since time.Time) (bool, error) {
	at, ok := f.active[id]
	return ok && !at.Before(since), nil
}

type fakeStatus struct {
	stopped    []int64
	reset      []int64
	notApplied map[int64]bool
}

func (f *fakeStatus) Stop(_ context.Context, id int64, _, _ string) (bool, error) {
	if f.notApplied[id] {
		return false, nil
	}
	f.stopped = append(f.stopped, id)
	return true, nil
}

func (f *fakeStatus) ResetStalled(_ context.Context, id int64, _ string) (bool, error) {
	if f.notApplied[id] {
		return false, nil
	}
	f.reset = append(f.reset, id)
	return true, nil
}

type fakeBeats struct {
	beats   []core.Heartbeat
	deleted []int64
}

func (f *fakeBeats) All(_ context.Context) ([]core.Heartbeat, error) { return f.beats, nil }

func (f *fakeBeats) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeQueue struct {
	name    string
	tickets []core.Ticket
	purged  []int64
}

func (f *fakeQueue) Queue() string { return f.name }

func (f *fakeQueue) Pending(_ context.Context) ([]core.Ticket, error) { return f.tickets, nil }

func (f *fakeQueue) Purge(_ context.Context, id int64) (int, error) {
	f.purged = append(f.purged, id)
	return 1, nil
}

func inProcessEntry(id int64, age time.Duration) core.QueueEntry {
	started := sweepNow.Add(-age)
	return core.QueueEntry{IntegrationID: id, Status: core.StatusInProcess, StartedAt: &started}
}

func newTestDetector(st *fakeStore, status *fakeStatus, beats *fakeBeats, queues ...Queue) *Detector {
	d := NewDetector(DefaultConfig(), st, status, beats, queues, nil)
	d.now = func() time.Time { return sweepNow }
	return d
}

func TestDetectLoops_BreaksIdleQueuedWork(t *testing.T) {
	st := &fakeStore{
		stuck: []core.QueueEntry{inProcessEntry(1, time.Hour)},
		active: map[int64]time.Time{
			1: sweepNow.Add(-40 * time.Minute),
		},
	}
	status := &fakeStatus{}
	q := &fakeQueue{name: "normal", tickets: []core.Ticket{{IntegrationID: 1}}}
	d := newTestDetector(st, status, &fakeBeats{}, q)

	report, err := d.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("DetectLoops: %v", err)
	}
	if len(report.Broken) != 1 || report.Broken[0] != 1 {
		t.Fatalf("broken = %v, want [1]", report.Broken)
	}
	if len(status.stopped) != 1 || status.stopped[0] != 1 {
		t.Errorf("stopped = %v, want [1]", status.stopped)
	}
	if len(q.purged) != 1 || q.purged[0] != 1 {
		t.Errorf("purged = %v, want [1]", q.purged)
	}
}

func TestDetectLoops_RecentActivityIsNotALoop(t *testing.T) {
	st := &fakeStore{
		stuck: []core.QueueEntry{inProcessEntry(1, time.Hour)},
		active: map[int64]time.Time{
			1: sweepNow.Add(-5 * time.Minute),
		},
	}
	status := &fakeStatus{}
	q := &fakeQueue{name: "normal", tickets: []core.Ticket{{IntegrationID: 1}}}
	d := newTestDetector(st, status, &fakeBeats{}, q)

	report, err := d.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("DetectLoops: %v", err)
	}
	if len(report.Broken) != 0 || len(status.stopped) != 0 {
		t.Errorf("broke loop despite recent activity: %+v", report)
	}
}

func TestDetectLoops_NoTicketMeansSlowNotLooping(t *testing.T) {
	st := &fakeStore{stuck: []core.QueueEntry{inProcessEntry(1, time.Hour)}}
	status := &fakeStatus{}
	q := &fakeQueue{name: "normal"}
	d := newTestDetector(st, status, &fakeBeats{}, q)

	report, err := d.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("DetectLoops: %v", err)
	}
	if report.Examined != 1 {
		t.Errorf("examined = %d, want 1", report.Examined)
	}
	if len(report.Broken) != 0 {
		t.Errorf("broken = %v, want none without a queued ticket", report.Broken)
	}
}

func TestDetectLoops_StopPreconditionLostSkipsPurge(t *testing.T) {
	st := &fakeStore{stuck: []core.QueueEntry{inProcessEntry(1, time.Hour)}}
	status := &fakeStatus{notApplied: map[int64]bool{1: true}}
	q := &fakeQueue{name: "normal", tickets: []core.Ticket{{IntegrationID: 1}}}
	d := newTestDetector(st, status, &fakeBeats{}, q)

	report, err := d.DetectLoops(context.Background())
	if err != nil {
		t.Fatalf("DetectLoops: %v", err)
	}
	if len(report.Broken) != 0 || len(q.purged) != 0 {
		t.Errorf("purged after a lost precondition: %+v", report)
	}
}

func TestSweepHeartbeats_ResetsStaleInProcess(t *testing.T) {
	st := &fakeStore{inProcess: map[int64]struct{}{1: {}}}
	status := &fakeStatus{}
	beats := &fakeBeats{beats: []core.Heartbeat{
		{IntegrationID: 1, WorkerID: "w-1", Step: "fetch", LastBeat: sweepNow.Add(-20 * time.Minute)},
	}}
	d := newTestDetector(st, status, beats)

	report, err := d.SweepHeartbeats(context.Background())
	if err != nil {
		t.Fatalf("SweepHeartbeats: %v", err)
	}
	if len(report.Reset) != 1 || report.Reset[0] != 1 {
		t.Fatalf("reset = %v, want [1]", report.Reset)
	}
	if len(status.reset) != 1 {
		t.Errorf("status resets = %v, want one", status.reset)
	}
}

func TestSweepHeartbeats_FreshBeatUntouched(t *testing.T) {
	st := &fakeStore{inProcess: map[int64]struct{}{1: {}}}
	status := &fakeStatus{}
	beats := &fakeBeats{beats: []core.Heartbeat{
		{IntegrationID: 1, WorkerID: "w-1", LastBeat: sweepNow.Add(-time.Minute)},
	}}
	d := newTestDetector(st, status, beats)

	report, err := d.SweepHeartbeats(context.Background())
	if err != nil {
		t.Fatalf("SweepHeartbeats: %v", err)
	}
	if len(report.Reset) != 0 || len(beats.deleted) != 0 {
		t.Errorf("touched a fresh heartbeat: %+v", report)
	}
}

func TestSweepHeartbeats_DeletesOrphans(t *testing.T) {
	st := &fakeStore{}
	status := &fakeStatus{}
	beats := &fakeBeats{beats: []core.Heartbeat{
		{IntegrationID: 9, WorkerID: "w-2", LastBeat: sweepNow.Add(-time.Hour)},
	}}
	d := newTestDetector(st, status, beats)

	report, err := d.SweepHeartbeats(context.Background())
	if err != nil {
		t.Fatalf("SweepHeartbeats: %v", err)
	}
	if report.Orphans != 1 {
		t.Errorf("orphans = %d, want 1", report.Orphans)
	}
	if len(beats.deleted) != 1 || beats.deleted[0] != 9 {
		t.Errorf("deleted = %v, want [9]", beats.deleted)
	}
	if len(status.reset) != 0 {
		t.Errorf("reset an orphan: %v", status.reset)
	}
}
