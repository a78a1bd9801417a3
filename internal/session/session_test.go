package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsession/internal/doc"
	"collabsession/internal/events"
	"collabsession/internal/ot/delta"
	"collabsession/internal/store"
)

// fakeStore emulates the durable store's row-lock semantics with one mutex,
// so hydration upgrades and flushes serialize the way the database would.
type fakeStore struct {
	mu             sync.Mutex
	text           string
	snapshot       []byte
	collaborators  map[uint64]struct{}
	lastModifiedBy uint64

	importCount int // executions of the text-import path
	writes      int
	flushCalls  int
	flushErr    error
	missing     bool
}

func newFakeStore(text string) *fakeStore {
	return &fakeStore{text: text, collaborators: make(map[uint64]struct{})}
}

func (f *fakeStore) LoadForHydration(_ context.Context, id string, upgrade func(string) ([]byte, error)) (*store.HydratedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return nil, store.ErrNotFound
	}
	if len(f.snapshot) == 0 && upgrade != nil {
		f.importCount++
		snap, err := upgrade(f.text)
		if err != nil {
			return nil, err
		}
		f.snapshot = snap
	}
	return &store.HydratedDocument{
		ID: id, CollectionID: "col-1", TeamID: "team-1",
		Text: f.text, Snapshot: f.snapshot,
		LastModifiedByID: f.lastModifiedBy,
	}, nil
}

func (f *fakeStore) Flush(_ context.Context, _ string, u store.FlushUpdate) (store.FlushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	if f.flushErr != nil {
		return store.FlushResult{}, f.flushErr
	}
	res := store.FlushResult{CollectionID: "col-1", TeamID: "team-1"}
	if f.text == u.Text {
		return res, nil
	}
	f.text = u.Text
	f.snapshot = u.Snapshot
	for _, id := range u.CollaboratorIDs {
		f.collaborators[id] = struct{}{}
	}
	if u.AttributedUserID != 0 {
		f.lastModifiedBy = u.AttributedUserID
	}
	f.writes++
	res.Written = true
	return res, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []events.DocumentUpdated
}

func (f *fakeEmitter) Emit(_ context.Context, evt events.DocumentUpdated) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeEmitter) all() []events.DocumentUpdated {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.DocumentUpdated(nil), f.events...)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRecorder) RecordView(_ context.Context, _ string, _ uint64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testKey(t *testing.T) doc.Key {
	t.Helper()
	k, err := doc.ParseKey("document.doc-1")
	require.NoError(t, err)
	return k
}

func insertEdit(clock uint64, text string) doc.Edit {
	return doc.NewEdit(0, clock, delta.Delta{{Kind: delta.KindInsert, Text: text}})
}

func TestHydration_ExactlyOnceUnderRacingFirstConnections(t *testing.T) {
	st := newFakeStore("imported once")
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{}, nil)
	key := testKey(t)

	const k = 8
	var wg sync.WaitGroup
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Attach(context.Background(), key, AttachRequest{ConnID: fmt.Sprintf("c%d", i), UserID: uint64(i + 1)})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "connection %d", i)
	}
	assert.Equal(t, 1, st.importCount, "text-import path must run exactly once")
	assert.NotEmpty(t, st.snapshot, "snapshot persisted before connections proceed")

	conns, sessions := reg.Counts()
	assert.Equal(t, k, conns)
	assert.Equal(t, 1, sessions)
}

func TestHydration_ReusesSnapshot(t *testing.T) {
	st := newFakeStore("")
	engine := doc.NewOpSetEngine()
	pre, err := engine.Parse("already graduated")
	require.NoError(t, err)
	st.snapshot, err = pre.Serialize()
	require.NoError(t, err)

	reg := NewRegistry(st, engine, nil, nil, Options{}, nil)
	s, err := reg.Attach(context.Background(), testKey(t), AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)

	assert.Equal(t, 0, st.importCount)
	assert.Equal(t, "already graduated", s.Text())
}

func TestHydration_MissingDocumentFailsOnlyThatAttempt(t *testing.T) {
	st := newFakeStore("")
	st.missing = true
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{}, nil)

	_, err := reg.Attach(context.Background(), testKey(t), AttachRequest{ConnID: "c1", UserID: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)

	conns, sessions := reg.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, sessions)

	// the record shows up later; a fresh attempt succeeds
	st.mu.Lock()
	st.missing = false
	st.mu.Unlock()
	_, err = reg.Attach(context.Background(), testKey(t), AttachRequest{ConnID: "c2", UserID: 1})
	assert.NoError(t, err)
}

func TestFlush_IdempotentWhenNothingChanged(t *testing.T) {
	st := newFakeStore("stable")
	em := &fakeEmitter{}
	reg := NewRegistry(st, doc.NewOpSetEngine(), em, nil, Options{}, nil)
	key := testKey(t)

	_, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)
	reg.Detach(context.Background(), key, "c1")

	assert.Zero(t, st.writes, "no net change must not write")
	assert.Empty(t, em.all(), "no net change must not emit")
	assert.GreaterOrEqual(t, st.flushCalls, 1, "terminal flush still attempted")
}

func TestFlush_TerminalOnLastConnectionOut(t *testing.T) {
	st := newFakeStore("doc")
	em := &fakeEmitter{}
	// debounce far in the future: only the terminal path can flush
	reg := NewRegistry(st, doc.NewOpSetEngine(), em, nil, Options{Debounce: time.Hour, MaxWait: 2 * time.Hour}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 7})
	require.NoError(t, err)
	applied, err := s.ApplyEdit(context.Background(), "c1", insertEdit(1, "more "))
	require.NoError(t, err)
	require.True(t, applied)

	reg.Detach(context.Background(), key, "c1")

	assert.Equal(t, 1, st.writes)
	assert.Equal(t, "more doc", st.text)
	evts := em.all()
	require.Len(t, evts, 1)
	assert.True(t, evts[0].Terminal)
	assert.True(t, evts[0].Multiplayer)
	assert.Equal(t, uint64(7), evts[0].ActorID)
	assert.Equal(t, "col-1", evts[0].CollectionID)
	assert.Equal(t, "team-1", evts[0].TeamID)

	_, sessions := reg.Counts()
	assert.Zero(t, sessions, "session destroyed after terminal flush")
}

func TestFlush_MaxWaitBoundsStalenessUnderContinuousEdits(t *testing.T) {
	st := newFakeStore("")
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil,
		Options{Debounce: 30 * time.Millisecond, MaxWait: 90 * time.Millisecond}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)

	// edit faster than the debounce interval for ~10 max-wait windows
	deadline := time.Now().Add(900 * time.Millisecond)
	clock := uint64(0)
	for time.Now().Before(deadline) {
		clock++
		_, err := s.ApplyEdit(context.Background(), "c1", insertEdit(clock, "x"))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}

	st.mu.Lock()
	writes := st.writes
	st.mu.Unlock()
	assert.GreaterOrEqual(t, writes, 3, "max-wait must force flushes despite continuous editing")

	reg.Detach(context.Background(), key, "c1")
}

// gatedStore lets a test hold a flush in flight while other connections act.
type gatedStore struct {
	*fakeStore
	started chan struct{} // one tick per flush entering the store
	gate    chan struct{} // closed to release every held flush
}

func (g *gatedStore) Flush(ctx context.Context, id string, u store.FlushUpdate) (store.FlushResult, error) {
	g.started <- struct{}{}
	<-g.gate
	return g.fakeStore.Flush(ctx, id, u)
}

func TestFlush_EditDuringTerminalFlushGetsRescheduled(t *testing.T) {
	gs := &gatedStore{
		fakeStore: newFakeStore(""),
		started:   make(chan struct{}, 8),
		gate:      make(chan struct{}),
	}
	reg := NewRegistry(gs, doc.NewOpSetEngine(), nil, nil,
		Options{Debounce: 20 * time.Millisecond, MaxWait: 60 * time.Millisecond}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)
	_, err = s.ApplyEdit(context.Background(), "c1", insertEdit(1, "a"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		reg.Detach(context.Background(), key, "c1")
		close(done)
	}()
	<-gs.started // the terminal flush now holds the store

	// a second connection attaches and edits while that flush is in flight,
	// then goes quiet
	s2, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c2", UserID: 2})
	require.NoError(t, err)
	require.Same(t, s, s2)
	_, err = s2.ApplyEdit(context.Background(), "c2", insertEdit(2, "b"))
	require.NoError(t, err)

	close(gs.gate)
	<-done

	// the quiet connection's edit must still persist within the debounce
	// cycle, not wait for its own disconnect
	waitFor(t, func() bool {
		gs.fakeStore.mu.Lock()
		defer gs.fakeStore.mu.Unlock()
		return gs.fakeStore.writes >= 2
	})
	gs.fakeStore.mu.Lock()
	assert.Equal(t, "ba", gs.fakeStore.text)
	gs.fakeStore.mu.Unlock()

	reg.Detach(context.Background(), key, "c2")
}

func TestFlush_FailureKeepsPendingStateForRetry(t *testing.T) {
	st := newFakeStore("")
	em := &fakeEmitter{}
	reg := NewRegistry(st, doc.NewOpSetEngine(), em, nil,
		Options{Debounce: 10 * time.Millisecond, MaxWait: 40 * time.Millisecond}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 3})
	require.NoError(t, err)

	st.mu.Lock()
	st.flushErr = fmt.Errorf("store unavailable")
	st.mu.Unlock()

	_, err = s.ApplyEdit(context.Background(), "c1", insertEdit(1, "unsaved"))
	require.NoError(t, err)

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.flushCalls >= 1
	})
	assert.Zero(t, st.writes)
	assert.Empty(t, em.all(), "failed flush must not emit")

	// store recovers; the next cycle retries with the intact pending set
	st.mu.Lock()
	st.flushErr = nil
	st.mu.Unlock()
	_, err = s.ApplyEdit(context.Background(), "c1", doc.NewEdit(0, 2, delta.Delta{
		{Kind: delta.KindRetain, Count: len("unsaved")},
		{Kind: delta.KindInsert, Text: " now"},
	}))
	require.NoError(t, err)

	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.writes >= 1
	})
	st.mu.Lock()
	assert.Equal(t, "unsaved now", st.text)
	assert.Contains(t, st.collaborators, uint64(3))
	st.mu.Unlock()

	reg.Detach(context.Background(), key, "c1")
}

func TestApplyEdit_MalformedOpsRejectedBeforeEnteringState(t *testing.T) {
	st := newFakeStore("doc")
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{Debounce: time.Hour}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)

	_, err = s.ApplyEdit(context.Background(), "c1", doc.NewEdit(0, 1, delta.Delta{
		{Kind: delta.KindRetain, Count: -5},
		{Kind: delta.KindInsert, Text: "x"},
	}))
	assert.Error(t, err, "malformed ops must be rejected at apply time")
	assert.Equal(t, "doc", s.Text())

	// the rejected edit left nothing behind, so the terminal flush is a no-op
	assert.NotPanics(t, func() { reg.Detach(context.Background(), key, "c1") })
	assert.Zero(t, st.writes)
}

func TestApplyEdit_ReadOnlyConnectionsCannotMutate(t *testing.T) {
	st := newFakeStore("shared")
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{Debounce: time.Hour}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "writer", UserID: 1})
	require.NoError(t, err)
	_, err = reg.Attach(context.Background(), key, AttachRequest{ConnID: "reader", UserID: 2, ReadOnly: true})
	require.NoError(t, err)

	applied, err := s.ApplyEdit(context.Background(), "reader", insertEdit(1, "sneaky "))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "shared", s.Text())

	// the read-only connection still observes others' changes
	applied, err = s.ApplyEdit(context.Background(), "writer", insertEdit(1, "loud "))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "loud shared", s.Text())
}

func TestFlush_CollaboratorsAccumulateAndAttributionFollowsLastContributor(t *testing.T) {
	st := newFakeStore("")
	st.collaborators[99] = struct{}{} // pre-existing history survives
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{Debounce: time.Hour}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)
	_, err = reg.Attach(context.Background(), key, AttachRequest{ConnID: "c2", UserID: 2})
	require.NoError(t, err)

	_, err = s.ApplyEdit(context.Background(), "c1", insertEdit(1, "a"))
	require.NoError(t, err)
	_, err = s.ApplyEdit(context.Background(), "c2", insertEdit(2, "b"))
	require.NoError(t, err)

	reg.Detach(context.Background(), key, "c1")
	reg.Detach(context.Background(), key, "c2")

	assert.Contains(t, st.collaborators, uint64(1))
	assert.Contains(t, st.collaborators, uint64(2))
	assert.Contains(t, st.collaborators, uint64(99))
	assert.Equal(t, uint64(2), st.lastModifiedBy)
}

func TestPresence_CoalescedToOneWritePerWindow(t *testing.T) {
	st := newFakeStore("")
	rec := &fakeRecorder{}
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, rec,
		Options{Debounce: time.Hour, PresenceWindow: time.Minute}, nil)
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 5})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := s.ApplyEdit(context.Background(), "c1", insertEdit(uint64(i+1), "."))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rec.count(), "100 edits inside the window coalesce to one presence write")

	reg.Detach(context.Background(), key, "c1")
}

func TestHooks_PanickingTapDoesNotAbortSession(t *testing.T) {
	st := newFakeStore("")
	reg := NewRegistry(st, doc.NewOpSetEngine(), nil, nil, Options{Debounce: time.Hour}, nil,
		Hooks{
			OnConnect: func(Event) { panic("tap blew up") },
			OnChange:  func(Event) { panic("tap blew up") },
			OnFlush:   func(FlushInfo) { panic("tap blew up") },
		})
	key := testKey(t)

	s, err := reg.Attach(context.Background(), key, AttachRequest{ConnID: "c1", UserID: 1})
	require.NoError(t, err)
	applied, err := s.ApplyEdit(context.Background(), "c1", insertEdit(1, "still fine"))
	require.NoError(t, err)
	assert.True(t, applied)
	reg.Detach(context.Background(), key, "c1")
	assert.Equal(t, "still fine", st.text)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
