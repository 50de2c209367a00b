package exporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/store"
)

type InstanceLister interface {
	ListInstances(ctx context.Context, q store.ListQuery) ([]dom.Instance, error)
}

type InstancesExport struct {
	Module    string         `json:"module,omitempty"`
	Exported  time.Time      `json:"exported_at"`
	Instances []dom.Instance `json:"instances"`
}

// collect pages through every instance matching q, up to limit.
func collect(ctx context.Context, l InstanceLister, q store.ListQuery, limit int) ([]dom.Instance, error) {
	var out []dom.Instance
	for len(out) < limit {
		q.Limit = min(store.MaxListLimit, limit-len(out))
		page, err := l.ListInstances(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < q.Limit {
			break
		}
		last := page[len(page)-1].ID
		q.After = &last
	}
	return out, nil
}

func ExportInstancesJSON(ctx context.Context, l InstanceLister, q store.ListQuery, limit int) ([]byte, string, error) {
	insts, err := collect(ctx, l, q, limit)
	if err != nil {
		return nil, "", err
	}
	if insts == nil {
		insts = []dom.Instance{}
	}
	b, err := json.MarshalIndent(InstancesExport{Module: q.Module, Exported: time.Now().UTC(), Instances: insts}, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

// ExportInstancesCSV writes one row per instance. Field columns are the union
// of field names across the export, sorted, with values JSON encoded.
func ExportInstancesCSV(ctx context.Context, l InstanceLister, q store.ListQuery, limit int) ([]byte, string, error) {
	insts, err := collect(ctx, l, q, limit)
	if err != nil {
		return nil, "", err
	}

	fieldNames := lo.Uniq(lo.FlatMap(insts, func(inst dom.Instance, _ int) []string { return lo.Keys(inst.Fields) }))
	sort.Strings(fieldNames)

	buf := new(bytes.Buffer)
	w := csv.NewWriter(buf)
	header := append([]string{"id", "definition_id", "module", "name", "updated_at"}, lo.Map(fieldNames, func(n string, _ int) string { return "field." + n })...)
	_ = w.Write(header)
	for _, inst := range insts {
		rec := []string{inst.ID.String(), inst.DefinitionID.String(), inst.Module, inst.Name, inst.UpdatedAt.Format(time.RFC3339)}
		for _, n := range fieldNames {
			rec = append(rec, cellValue(inst.Fields, n))
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "text/csv", nil
}

func cellValue(fields map[string]any, name string) string {
	v, ok := fields[name]
	if !ok || v == nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
