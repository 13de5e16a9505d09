package incident

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
)

func newTestAggregator(store *memStore) (*Aggregator, time.Time) {
	agg := NewAggregator(store, NewClassifier(), nil)
	base := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	agg.now = func() time.Time { return base }
	return agg, base
}

func TestRecordCreatesIncidentOnFirstMatch(t *testing.T) {
	store := newMemStore()
	agg, base := newTestAggregator(store)

	err := agg.Record(context.Background(), domain.TelemetryEvent{
		Service: "api", Endpoint: "/x", Status: 503,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(open))
	}
	inc := open[0]
	if inc.Service != "api" || inc.Endpoint != "/x" || inc.Type != domain.IncidentTypeBroken {
		t.Fatalf("unexpected identity %s/%s/%s", inc.Service, inc.Endpoint, inc.Type)
	}
	if inc.Count != 1 {
		t.Fatalf("expected count 1, got %d", inc.Count)
	}
	if inc.Resolved {
		t.Fatal("new incident should be open")
	}
	if !inc.FirstSeen.Equal(base) || !inc.LastSeen.Equal(base) {
		t.Fatalf("expected firstSeen=lastSeen=%v, got %v / %v", base, inc.FirstSeen, inc.LastSeen)
	}
	if inc.ID == "" {
		t.Fatal("expected incident id to be assigned")
	}
}

func TestRecordIncrementsExistingIncident(t *testing.T) {
	store := newMemStore()
	agg, base := newTestAggregator(store)
	event := domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 503}

	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("first record: %v", err)
	}
	later := base.Add(42 * time.Second)
	agg.now = func() time.Time { return later }
	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("second record: %v", err)
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected a single deduplicated incident, got %d", len(open))
	}
	inc := open[0]
	if inc.Count != 2 {
		t.Fatalf("expected count 2, got %d", inc.Count)
	}
	if !inc.FirstSeen.Equal(base) {
		t.Fatalf("firstSeen must not move, got %v", inc.FirstSeen)
	}
	if !inc.LastSeen.Equal(later) {
		t.Fatalf("expected lastSeen %v, got %v", later, inc.LastSeen)
	}
}

func TestRecordSequentialCountMatchesEventCount(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)
	event := domain.TelemetryEvent{Service: "billing", Endpoint: "/charge", LatencyMS: 750}

	const events = 25
	for i := 0; i < events; i++ {
		if err := agg.Record(context.Background(), event); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(open))
	}
	if open[0].Count != events {
		t.Fatalf("expected count %d, got %d", events, open[0].Count)
	}
}

func TestRecordDistinctTypesCoexistForSameServiceEndpoint(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)

	if err := agg.Record(context.Background(), domain.TelemetryEvent{Service: "api", Endpoint: "/x", LatencyMS: 900}); err != nil {
		t.Fatalf("slow record: %v", err)
	}
	if err := agg.Record(context.Background(), domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 500}); err != nil {
		t.Fatalf("broken record: %v", err)
	}

	open := store.openIncidents()
	if len(open) != 2 {
		t.Fatalf("expected 2 incidents (slow, broken), got %d", len(open))
	}
	types := map[string]bool{}
	for _, inc := range open {
		types[inc.Type] = true
	}
	if !types[domain.IncidentTypeSlow] || !types[domain.IncidentTypeBroken] {
		t.Fatalf("expected slow and broken incidents, got %v", types)
	}
}

func TestRecordNonMatchingEventTouchesNothing(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)

	if err := agg.Record(context.Background(), domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 200, LatencyMS: 12}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if open := store.openIncidents(); len(open) != 0 {
		t.Fatalf("expected no incidents, got %d", len(open))
	}
}

func TestRecordCreateRaceSucceedsIdempotently(t *testing.T) {
	store := newMemStore()
	agg, base := newTestAggregator(store)

	// A concurrent creator wins the check-then-act window.
	store.afterFindMiss = func() {
		store.afterFindMiss = nil
		winner := &domain.Incident{
			ID: "winner", Service: "api", Endpoint: "/x", Type: domain.IncidentTypeBroken,
			FirstSeen: base, LastSeen: base, Count: 1, Version: 1,
		}
		if err := store.CreateIncident(context.Background(), winner); err != nil {
			t.Fatalf("seed winner: %v", err)
		}
	}

	if err := agg.Record(context.Background(), domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 503}); err != nil {
		t.Fatalf("record should absorb the create race, got %v", err)
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected the winner's single incident, got %d", len(open))
	}
	if open[0].ID != "winner" || open[0].Count != 1 {
		t.Fatalf("winner's record must stand untouched, got id=%s count=%d", open[0].ID, open[0].Count)
	}
}

func TestRecordRetriesVersionConflictThenApplies(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)
	event := domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 503}

	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	store.saveConflicts = 1

	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("record with one conflict: %v", err)
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(open))
	}
	// seed(1) + simulated concurrent writer(1) + retried increment(1)
	if open[0].Count != 3 {
		t.Fatalf("expected count 3 after retried increment, got %d", open[0].Count)
	}
}

func TestRecordDropsIncrementAfterRetryExhaustion(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)
	event := domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 503}

	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	store.saveConflicts = 10

	// Drop is an accepted policy, not an error.
	if err := agg.Record(context.Background(), event); err != nil {
		t.Fatalf("exhausted record should not error, got %v", err)
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(open))
	}
	// seed(1) + three simulated concurrent writers; this event's increment lost.
	if open[0].Count != 4 {
		t.Fatalf("expected count 4 with the increment dropped, got %d", open[0].Count)
	}
}

// resolvedMidflightStore scripts the interleaving where another writer
// resolves the incident between the read and the CAS: the first find returns
// an open record, the save conflicts, and every later find misses.
type resolvedMidflightStore struct {
	mu      sync.Mutex
	finds   int
	created []domain.Incident
	open    domain.Incident
}

func (s *resolvedMidflightStore) FindOpenIncident(context.Context, string, string, string) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.finds == 1 {
		found := s.open
		return &found, nil
	}
	return nil, repository.ErrNotFound
}

func (s *resolvedMidflightStore) CreateIncident(_ context.Context, incident *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, *incident)
	return nil
}

func (s *resolvedMidflightStore) SaveIncidentIfUnchanged(context.Context, *domain.Incident, int64) error {
	return repository.ErrVersionConflict
}

func (s *resolvedMidflightStore) GetIncidentByID(context.Context, string) (*domain.Incident, error) {
	return nil, repository.ErrNotFound
}

func (s *resolvedMidflightStore) ListIncidents(context.Context, repository.IncidentFilter) ([]domain.Incident, error) {
	return nil, nil
}

func TestRecordRetryAfterConcurrentResolveOpensFreshIncident(t *testing.T) {
	base := time.Date(2026, time.March, 12, 9, 30, 0, 0, time.UTC)
	store := &resolvedMidflightStore{
		open: domain.Incident{
			ID: "old", Service: "api", Endpoint: "/x", Type: domain.IncidentTypeBroken,
			FirstSeen: base, LastSeen: base, Count: 5, Version: 1,
		},
	}
	agg := NewAggregator(store, NewClassifier(), nil)
	agg.now = func() time.Time { return base.Add(time.Minute) }

	err := agg.Record(context.Background(), domain.TelemetryEvent{Service: "api", Endpoint: "/x", Status: 503})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	// The re-read after the conflict misses, so a fresh record opens; the
	// resolved one stays closed.
	if len(store.created) != 1 {
		t.Fatalf("expected 1 fresh incident, got %d", len(store.created))
	}
	fresh := store.created[0]
	if fresh.ID == "old" || fresh.ID == "" {
		t.Fatalf("expected a new identifier, got %q", fresh.ID)
	}
	if fresh.Count != 1 || fresh.Version != 1 {
		t.Fatalf("fresh incident must start at count 1 version 1, got count=%d version=%d", fresh.Count, fresh.Version)
	}
	if !fresh.FirstSeen.Equal(base.Add(time.Minute)) {
		t.Fatalf("fresh incident must not inherit the old firstSeen, got %v", fresh.FirstSeen)
	}
}

func TestRecordConcurrentWorkersKeepSingleOpenIncident(t *testing.T) {
	store := newMemStore()
	agg, _ := newTestAggregator(store)
	event := domain.TelemetryEvent{Service: "api", Endpoint: "/hot", Status: 503}

	const workers = 32
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- agg.Record(context.Background(), event)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent record: %v", err)
		}
	}

	open := store.openIncidents()
	if len(open) != 1 {
		t.Fatalf("uniqueness invariant violated: %d open incidents", len(open))
	}
	count := open[0].Count
	if count < 1 || count > workers {
		t.Fatalf("count %d outside [1, %d]", count, workers)
	}
}
