package exporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/store"
)

// pagedLister returns sorted instances after the cursor, limit at a time.
type pagedLister struct {
	insts []dom.Instance
	calls int
}

func (p *pagedLister) ListInstances(_ context.Context, q store.ListQuery) ([]dom.Instance, error) {
	p.calls++
	var out []dom.Instance
	for _, inst := range p.insts {
		if q.After != nil && inst.ID.String() <= q.After.String() {
			continue
		}
		out = append(out, inst)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func instances(n int) []dom.Instance {
	out := make([]dom.Instance, n)
	for i := range out {
		// Ordered ids keep the cursor comparison simple.
		id := uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012x", i+1))
		out[i] = dom.Instance{ID: id, Module: "incidents", Name: "inst", Fields: map[string]any{"impact": float64(i)}}
	}
	return out
}

func TestExportJSONCollectsAllPages(t *testing.T) {
	l := &pagedLister{insts: instances(5)}
	b, ct, err := ExportInstancesJSON(context.Background(), l, store.ListQuery{Module: "incidents"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "application/json", ct)

	var got InstancesExport
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "incidents", got.Module)
	assert.Len(t, got.Instances, 3, "limit caps the export")
}

func TestExportJSONEmpty(t *testing.T) {
	b, _, err := ExportInstancesJSON(context.Background(), &pagedLister{}, store.ListQuery{}, 10)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"instances": []`)
}

func TestExportCSVUnionsFieldColumns(t *testing.T) {
	insts := instances(2)
	insts[0].Fields["severity"] = "high"
	insts[1].Fields["tags"] = []any{"db", "prod"}

	b, ct, err := ExportInstancesCSV(context.Background(), &pagedLister{insts: insts}, store.ListQuery{}, 100)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", ct)

	recs, err := csv.NewReader(strings.NewReader(string(b))).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"id", "definition_id", "module", "name", "updated_at", "field.impact", "field.severity", "field.tags"}, recs[0])
	assert.Equal(t, []string{"0", "high", ""}, recs[1][5:])
	assert.Equal(t, []string{"1", "", `["db","prod"]`}, recs[2][5:])
}
