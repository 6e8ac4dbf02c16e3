package reservation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type fixture struct {
	eng     *Engine
	store   *sqlite.Store
	now     time.Time
	project int64
	alice   int64
	bob     int64
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := sqlite.NewTestStore(t)
	f := &fixture{store: st, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(func() time.Time { return f.now })

	p, err := st.EnsureProject(ctx, "/work/repo")
	require.NoError(t, err)
	a, err := st.RegisterAgent(ctx, core.Agent{ProjectID: p.ID, Name: "Alice"})
	require.NoError(t, err)
	b, err := st.RegisterAgent(ctx, core.Agent{ProjectID: p.ID, Name: "Bob"})
	require.NoError(t, err)

	f.project, f.alice, f.bob = p.ID, a.ID, b.ID
	f.eng = New(st, nil, zerolog.Nop())
	return f
}

func (f *fixture) acquire(t *testing.T, agent int64, pattern string, exclusive bool, ttl time.Duration) int64 {
	t.Helper()
	id, err := f.eng.Acquire(context.Background(), Request{
		ProjectID: f.project, AgentID: agent, PathPattern: pattern, Exclusive: exclusive, TTL: ttl,
	})
	require.NoError(t, err)
	return id
}

func TestAcquireAndGet(t *testing.T) {
	f := newFixture(t)
	id := f.acquire(t, f.alice, "src/**/*.rs", true, time.Hour)

	r, err := f.eng.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "src/**/*.rs", r.PathPattern)
	assert.True(t, r.Exclusive)
	assert.True(t, r.ExpiresAt.Equal(f.now.Add(time.Hour)))
	assert.Nil(t, r.ReleasedAt)

	_, err = f.eng.Get(context.Background(), 9999)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestAcquireValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, req := range []Request{
		{ProjectID: f.project, AgentID: f.alice, PathPattern: "a.go", TTL: 0},
		{ProjectID: f.project, AgentID: f.alice, PathPattern: "a.go", TTL: -time.Second},
		{ProjectID: f.project, AgentID: f.alice, PathPattern: "  ", TTL: time.Hour},
		{ProjectID: f.project, AgentID: f.alice, PathPattern: "src/[a-", TTL: time.Hour},
	} {
		_, err := f.eng.Acquire(ctx, req)
		assert.Equal(t, core.KindInvalidInput, core.KindOf(err), "%+v", req)
	}

	_, err := f.eng.Acquire(ctx, Request{ProjectID: f.project, AgentID: 4242, PathPattern: "a.go", TTL: time.Hour})
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestAcquireIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, f.alice, "src/main.rs", true, time.Hour)
	f.acquire(t, f.bob, "src/main.rs", true, time.Hour)

	active, err := f.eng.ListActiveForProject(context.Background(), f.project)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Greater(t, active[0].ID, active[1].ID, "newest first")
}

// Exclusive glob held by A, B asks about a file under it.
func TestCheckConflictsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	aID := f.acquire(t, f.alice, "src/**/*.rs", true, time.Hour)

	conflicts, err := f.eng.CheckConflicts(ctx, f.project, f.bob, "src/main.rs", true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, aID, conflicts[0].ReservationID)
	assert.Equal(t, "src/**/*.rs", conflicts[0].Resource)
	assert.Equal(t, f.alice, conflicts[0].HolderID)
	assert.Equal(t, "Alice", conflicts[0].HolderName)
	assert.True(t, conflicts[0].Exclusive)

	// the holder never conflicts with itself
	conflicts, err = f.eng.CheckConflicts(ctx, f.project, f.alice, "src/main.rs", true)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestCheckConflictsSharedOnBothSides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.acquire(t, f.alice, "src/**/*.rs", false, time.Hour)

	conflicts, err := f.eng.CheckConflicts(ctx, f.project, f.bob, "src/main.rs", false)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	conflicts, err = f.eng.CheckConflicts(ctx, f.project, f.bob, "src/main.rs", true)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1, "exclusive request against a shared claim still conflicts")

	conflicts, err = f.eng.CheckConflicts(ctx, f.project, f.bob, "docs/*.md", true)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestExpiredReservationsAreInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "a.go", true, time.Minute)
	f.advance(2 * time.Minute)

	active, err := f.eng.ListActiveForProject(ctx, f.project)
	require.NoError(t, err)
	assert.Empty(t, active)

	conflicts, err := f.eng.CheckConflicts(ctx, f.project, f.bob, "a.go", true)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	r, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r.ReleasedAt, "expiry does not set released_at")
	assert.False(t, r.ActiveAt(f.now))

	all, err := f.eng.ListAllForProject(ctx, f.project)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "a.go", true, time.Minute)

	later := f.now.Add(3 * time.Hour)
	require.NoError(t, f.eng.Renew(ctx, id, later))
	r, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.ExpiresAt.Equal(later))

	require.NoError(t, f.eng.Release(ctx, id))
	released, err := f.eng.Get(ctx, id)
	require.NoError(t, err)

	// dead rows: success, no change
	require.NoError(t, f.eng.Renew(ctx, id, later.Add(time.Hour)))
	require.NoError(t, f.eng.Renew(ctx, 9999, later))
	after, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, released, after)

	assert.Equal(t, core.KindInvalidInput, core.KindOf(f.eng.Renew(ctx, id, time.Time{})))
}

func TestRenewAfterSweepRevivesReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "a.go", true, time.Minute)

	f.advance(2 * time.Minute)
	_, err := f.store.ReapExpired(ctx)
	require.NoError(t, err)

	expired, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, expired.ReleasedAt)
	assert.False(t, expired.ActiveAt(f.now))

	later := f.now.Add(time.Hour)
	require.NoError(t, f.eng.Renew(ctx, id, later))
	r, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, r.ExpiresAt.Equal(later))
	assert.True(t, r.ActiveAt(f.now))

	active, err := f.eng.ListActiveForProject(ctx, f.project)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "a.go", true, time.Hour)

	require.NoError(t, f.eng.Release(ctx, id))
	first, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first.ReleasedAt)

	f.advance(time.Minute)
	require.NoError(t, f.eng.Release(ctx, id))
	require.NoError(t, f.eng.ForceRelease(ctx, id))
	require.NoError(t, f.eng.Release(ctx, 9999))
	second, err := f.eng.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, first.ReleasedAt.Equal(*second.ReleasedAt))
}

func TestForceRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "a.go", true, time.Hour)
	require.NoError(t, f.eng.ForceRelease(ctx, id))

	active, err := f.eng.ListActiveForProject(ctx, f.project)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReleaseByPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.acquire(t, f.alice, "src/*.go", true, time.Hour)
	f.acquire(t, f.bob, "src/*.go", true, time.Hour)

	_, ok, err := f.eng.ReleaseByPath(ctx, f.project, f.alice, "src/main.go")
	require.NoError(t, err)
	assert.False(t, ok, "match is exact, not glob")

	got, ok, err := f.eng.ReleaseByPath(ctx, f.project, f.alice, "src/*.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	_, ok, err = f.eng.ReleaseByPath(ctx, f.project, f.alice, "src/*.go")
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := f.eng.ListActiveForProject(ctx, f.project)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, f.bob, active[0].AgentID)
}

func TestAcquireStrict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.acquire(t, f.alice, "src/**", true, time.Hour)

	_, err := f.eng.AcquireStrict(ctx, Request{
		ProjectID: f.project, AgentID: f.bob, PathPattern: "src/lib.rs", TTL: time.Hour,
	})
	var ce *core.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.Equal(t, "src/lib.rs", ce.Resource)
	require.Len(t, ce.Conflicts, 1)
	assert.Equal(t, "Alice", ce.Conflicts[0].HolderName)

	all, err := f.eng.ListAllForProject(ctx, f.project)
	require.NoError(t, err)
	assert.Len(t, all, 1, "nothing recorded on conflict")

	id, err := f.eng.AcquireStrict(ctx, Request{
		ProjectID: f.project, AgentID: f.bob, PathPattern: "docs/**", Exclusive: true, TTL: time.Hour,
	})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestReservePaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.acquire(t, f.alice, "src/main.rs", true, time.Hour)

	res, err := f.eng.ReservePaths(ctx, PathsRequest{
		ProjectID: f.project,
		AgentID:   f.bob,
		Paths:     []string{"src/*.rs", "README.md"},
		Exclusive: true,
		Reason:    "refactor",
	})
	require.NoError(t, err)
	require.Len(t, res.Granted, 2)
	assert.Equal(t, "refactor", res.Granted[0].Reason)
	assert.True(t, res.Granted[1].ExpiresAt.Equal(f.now.Add(DefaultTTL)))
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "src/main.rs", res.Conflicts[0].Resource)

	_, err = f.eng.ReservePaths(ctx, PathsRequest{ProjectID: f.project, AgentID: f.bob})
	assert.Equal(t, core.KindInvalidInput, core.KindOf(err))
}
