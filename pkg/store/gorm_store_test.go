package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"signflow/pkg/domain"
	"signflow/pkg/workflow"
)

// newPostgresStore connects to SIGNFLOW_TEST_DATABASE_URL and returns a run
// id that keeps this run's rows apart from earlier ones.
func newPostgresStore(t *testing.T) (*GormStore, string) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SIGNFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("set SIGNFLOW_TEST_DATABASE_URL to run postgres store tests")
	}
	s, err := NewGormStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return s, strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func TestGormStoreConcurrentMintsAreContiguous(t *testing.T) {
	s, run := newPostgresStore(t)
	var base int64
	if err := s.db.Raw(`SELECT COALESCE(MAX(value), 0) FROM sequence_counter_models WHERE name = ?`, "contract").Scan(&base).Error; err != nil {
		t.Fatalf("read counter: %v", err)
	}

	const n = 24
	seen := concurrentMints(t, s, run, n)
	if len(seen) != n {
		t.Fatalf("got %d distinct values, want %d", len(seen), n)
	}
	for v := base + 1; v <= base+n; v++ {
		if !seen[v] {
			t.Fatalf("missing %d (base %d)", v, base)
		}
	}
}

func TestGormStoreSingleCompletionUnderRace(t *testing.T) {
	s, run := newPostgresStore(t)
	ctx := context.Background()
	in := mintInput(run, 900000)
	doc, err := s.CreateDocument(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	signerID := in.Signers[0].ID

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, doc.ID, signChange(signerID))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, workflow.ErrAlreadySigned) && !errors.Is(err, workflow.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", succeeded)
	}

	events, err := s.ListEvents(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	completes := 0
	for _, e := range events {
		if e.Action == domain.ActionSignedComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Fatalf("SIGNED_COMPLETE events = %d, want 1", completes)
	}
	got, ok, err := s.GetDocument(ctx, doc.ID)
	if err != nil || !ok || got.Status != domain.StatusSigned {
		t.Fatalf("reload: %+v ok=%v err=%v", got, ok, err)
	}
}
