package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/dom"
)

func TestParseFields(t *testing.T) {
	fields, err := parseFields([]string{"impact=3", "severity=high", `tags=["db"]`, "quoted=\"3\""})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"impact":   float64(3),
		"severity": "high",
		"tags":     []any{"db"},
		"quoted":   "3",
	}, fields)

	_, err = parseFields([]string{"no-equals"})
	require.Error(t, err)
	_, err = parseFields([]string{"=3"})
	require.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunTailWritesJSONLines(t *testing.T) {
	hub := connection.NewHub(nil)
	def := uuid.New()
	filter := dom.Filter{Module: "incidents", Predicate: dom.DefinitionIDEquals(def)}

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runTail(ctx, hub, filter, out, nil) }()

	require.Eventually(t, func() bool { return hub.Subscriptions() == 1 }, 2*time.Second, 5*time.Millisecond)

	inst := dom.Instance{ID: uuid.New(), DefinitionID: def, Module: "incidents", Name: "inst42"}
	other := dom.Instance{ID: uuid.New(), DefinitionID: uuid.New(), Module: "incidents", Name: "other"}
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Created: []dom.Instance{inst, other}}))
	require.NoError(t, hub.Publish(ctx, &dom.InstancesChangedEvent{Module: "incidents", Deleted: []dom.Instance{inst}}))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, hub.Subscriptions(), "watcher disposed on exit")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first tailLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "created", first.Kind)
	assert.Equal(t, "inst42", first.Instance.Name)
	assert.Contains(t, lines[1], `"kind":"deleted"`)
}

func TestRootHasCommands(t *testing.T) {
	root := NewRoot(&bytes.Buffer{})
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"list", "put", "delete", "export", "tail"})
}
