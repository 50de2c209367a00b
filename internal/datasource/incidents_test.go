package datasource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/store"
	"github.com/jsherman999/domwatch/internal/watcher"
)

var incidentDef = uuid.MustParse("7bc4bc92-5da6-4a72-8a19-bbd34ed90a79")

func incident(name string, impact any) dom.Instance {
	fields := map[string]any{}
	if impact != nil {
		fields[ImpactField] = impact
	}
	return dom.Instance{ID: uuid.New(), DefinitionID: incidentDef, Module: "incidents", Name: name, Fields: fields}
}

type sliceLister struct {
	insts []dom.Instance
	err   error
	last  store.ListQuery
}

func (l *sliceLister) ListInstances(_ context.Context, q store.ListQuery) ([]dom.Instance, error) {
	l.last = q
	if l.err != nil {
		return nil, l.err
	}
	var out []dom.Instance
	for _, inst := range l.insts {
		if q.DefinitionID != nil && inst.DefinitionID != *q.DefinitionID {
			continue
		}
		if q.After != nil && inst.ID.String() <= q.After.String() {
			continue
		}
		out = append(out, inst)
		if len(out) == q.EffectiveLimit() {
			break
		}
	}
	return out, nil
}

type rowLog struct {
	mu  sync.Mutex
	ops []string
}

func (r *rowLog) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *rowLog) AddRow(row Row)       { r.add("add " + row.Cells[0].(string)) }
func (r *rowLog) UpdateRow(row Row)    { r.add("update " + row.Cells[0].(string)) }
func (r *rowLog) RemoveRow(key string) { r.add("remove " + key) }

func (r *rowLog) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func newWatched(t *testing.T) (*connection.Hub, *watcher.Watcher) {
	t.Helper()
	hub := connection.NewHub(nil)
	w, err := watcher.New(hub, dom.Filter{Module: "incidents", Predicate: dom.DefinitionIDEquals(incidentDef)})
	require.NoError(t, err)
	t.Cleanup(w.Dispose)
	return hub, w
}

func TestColumnsAndRows(t *testing.T) {
	d := NewIncidents(&sliceLister{}, nil, IncidentsOptions{})
	assert.Equal(t, []Column{{"Name", ColumnString}, {"Impact", ColumnInt}}, d.GetColumns())

	row := CreateRow(incident("inst42", 3.0))
	assert.Equal(t, []any{"inst42", 3}, row.Cells)
	row = CreateRow(incident("no impact", nil))
	assert.Equal(t, []any{"no impact", nil}, row.Cells)
	row = CreateRow(incident("bad impact", "high"))
	assert.Nil(t, row.Cells[1])
}

func TestGetNextPagePagesByCursor(t *testing.T) {
	ctx := context.Background()
	var insts []dom.Instance
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		insts = append(insts, incident(n, 1))
	}
	other := incident("other definition", 1)
	other.DefinitionID = uuid.New()
	insts = append(insts, other)
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID.String() < insts[j].ID.String() })

	lister := &sliceLister{insts: insts}
	d := NewIncidents(lister, nil, IncidentsOptions{DefinitionID: incidentDef, PageSize: 2})

	var got []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, err := d.GetNextPage(ctx, PageRequest{Cursor: cursor})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Rows), 2)
		for _, r := range page.Rows {
			got = append(got, r.Cells[0].(string))
		}
		if !page.HasNextPage {
			assert.Empty(t, page.Cursor)
			break
		}
		cursor = page.Cursor
	}
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
	assert.Equal(t, "incidents", lister.last.Module)
	assert.Equal(t, 3, lister.last.Limit)

	_, err := d.GetNextPage(ctx, PageRequest{Cursor: "not-a-uuid"})
	require.Error(t, err)

	lister.err = errors.New("db down")
	_, err = d.GetNextPage(ctx, PageRequest{})
	require.ErrorIs(t, err, lister.err)
}

func TestGetNextPageLargePageSize(t *testing.T) {
	ctx := context.Background()
	var insts []dom.Instance
	for i := 0; i < 1500; i++ {
		insts = append(insts, incident(fmt.Sprintf("inst%d", i), 1))
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID.String() < insts[j].ID.String() })

	lister := &sliceLister{insts: insts}
	d := NewIncidents(lister, nil, IncidentsOptions{DefinitionID: incidentDef, PageSize: 5000})

	page, err := d.GetNextPage(ctx, PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, store.MaxListLimit, lister.last.Limit)
	assert.Len(t, page.Rows, store.MaxListLimit-1)
	require.True(t, page.HasNextPage)

	page, err = d.GetNextPage(ctx, PageRequest{Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1500-(store.MaxListLimit-1))
	assert.False(t, page.HasNextPage)
}

func TestUpdatesFlowToUpdater(t *testing.T) {
	ctx := context.Background()
	hub, w := newWatched(t)
	d := NewIncidents(&sliceLister{}, w, IncidentsOptions{DefinitionID: incidentDef})

	rows := &rowLog{}
	require.NoError(t, d.StartUpdates(ctx, rows))
	require.ErrorIs(t, d.StartUpdates(ctx, rows), ErrUpdatesActive)

	inst := incident("inst42", 3)
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Created: []dom.Instance{inst}}))
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Updated: []dom.Instance{inst}}))

	inst.Fields[ImpactField] = 5
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Updated: []dom.Instance{inst}}))
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Deleted: []dom.Instance{inst}}))

	assert.Equal(t, []string{
		"add inst42",
		"update inst42",
		"remove " + inst.ID.String(),
	}, rows.all())

	require.NoError(t, d.StopUpdates(ctx))
	require.NoError(t, d.StopUpdates(ctx))
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Created: []dom.Instance{incident("late", 1)}}))
	assert.Len(t, rows.all(), 3)
}

// Stopping one consumer must leave the shared watcher usable for the others.
func TestStopUpdatesDoesNotDisposeSharedWatcher(t *testing.T) {
	ctx := context.Background()
	hub, w := newWatched(t)
	first := NewIncidents(&sliceLister{}, w, IncidentsOptions{})
	second := NewIncidents(&sliceLister{}, w, IncidentsOptions{})

	r1, r2 := &rowLog{}, &rowLog{}
	require.NoError(t, first.StartUpdates(ctx, r1))
	require.NoError(t, second.StartUpdates(ctx, r2))
	assert.Equal(t, 2, w.RefCount())

	require.NoError(t, first.StopUpdates(ctx))
	assert.Equal(t, watcher.Subscribed, w.State())

	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Created: []dom.Instance{incident("inst42", 1)}}))
	assert.Empty(t, r1.all())
	assert.Equal(t, []string{"add inst42"}, r2.all())

	require.NoError(t, second.StopUpdates(ctx))
	assert.Equal(t, watcher.Unsubscribed, w.State())

	require.NoError(t, first.StartUpdates(ctx, r1))
	assert.Equal(t, watcher.Subscribed, w.State())
	require.NoError(t, first.StopUpdates(ctx))
}

func TestStartUpdatesAfterDispose(t *testing.T) {
	ctx := context.Background()
	_, w := newWatched(t)
	w.Dispose()

	d := NewIncidents(&sliceLister{}, w, IncidentsOptions{})
	err := d.StartUpdates(ctx, &rowLog{})
	require.ErrorIs(t, err, watcher.ErrAlreadyDisposed)
	require.NoError(t, d.StopUpdates(ctx))
}

func TestRecentFingerprints(t *testing.T) {
	r := newRecentFingerprints(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	assert.False(t, r.seenRecently(a, "1"))
	assert.True(t, r.seenRecently(a, "1"))
	assert.False(t, r.seenRecently(a, "2"))
	assert.False(t, r.seenRecently(a, "1"), "a change back is still a change")

	assert.False(t, r.seenRecently(b, "1"))
	assert.False(t, r.seenRecently(c, "1"))
	assert.False(t, r.seenRecently(a, "1"), "a was evicted by c")

	r.forget(c)
	assert.False(t, r.seenRecently(c, "1"))
}

func TestRecentFingerprintsForgetThenRecord(t *testing.T) {
	r := newRecentFingerprints(3)
	a, b := uuid.New(), uuid.New()

	assert.False(t, r.seenRecently(a, "1"))
	r.forget(a)
	assert.False(t, r.seenRecently(b, "1"))
	assert.False(t, r.seenRecently(a, "1"), "forgotten ids are sent again")

	// The ring is now [a, b, a]. Wrapping evicts a's stale first slot, which
	// must not drop the entry recorded in its newer slot.
	assert.False(t, r.seenRecently(uuid.New(), "1"))
	assert.True(t, r.seenRecently(a, "1"))
}
