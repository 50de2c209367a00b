// Package datasource exposes DOM instances as pageable rows with live updates.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/dom"
	"github.com/jsherman999/domwatch/internal/store"
	"github.com/jsherman999/domwatch/internal/watcher"
)

var ErrUpdatesActive = errors.New("updates already started")

type ColumnType string

const (
	ColumnString ColumnType = "string"
	ColumnInt    ColumnType = "int"
)

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Row is one instance. Key is the instance id; Cells follow GetColumns.
type Row struct {
	Key   string `json:"key"`
	Cells []any  `json:"cells"`
}

type Page struct {
	Rows        []Row  `json:"rows"`
	HasNextPage bool   `json:"has_next_page"`
	Cursor      string `json:"cursor,omitempty"`
}

type PageRequest struct {
	Cursor string
}

// Updater receives row changes while updates are running. Calls come from the
// watcher's delivery goroutine, one at a time.
type Updater interface {
	AddRow(Row)
	UpdateRow(Row)
	RemoveRow(key string)
}

type InstanceLister interface {
	ListInstances(ctx context.Context, q store.ListQuery) ([]dom.Instance, error)
}

const ImpactField = "impact"

type IncidentsOptions struct {
	Module       string
	DefinitionID uuid.UUID
	PageSize     int
	DedupeWindow int
	Logger       *zap.Logger
}

// Incidents lists the instances of one definition with Name and Impact
// columns. Live updates go through a shared watcher: StartUpdates attaches a
// listener and StopUpdates detaches it again, leaving the watcher to others.
type Incidents struct {
	lister   InstanceLister
	reg      watcher.Registrar
	module   string
	defID    uuid.UUID
	pageSize int
	logger   *zap.Logger
	recent   *recentFingerprints

	mu      sync.Mutex
	sub     *watcher.Subscription
	updater Updater
}

func NewIncidents(lister InstanceLister, reg watcher.Registrar, opts IncidentsOptions) *Incidents {
	if opts.Module == "" {
		opts.Module = "incidents"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	// One extra row is read to detect a next page.
	opts.PageSize = min(opts.PageSize, store.MaxListLimit-1)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Incidents{
		lister:   lister,
		reg:      reg,
		module:   opts.Module,
		defID:    opts.DefinitionID,
		pageSize: opts.PageSize,
		logger:   opts.Logger.With(zap.String("component", "datasource"), zap.String("module", opts.Module)),
		recent:   newRecentFingerprints(opts.DedupeWindow),
	}
}

func (d *Incidents) GetColumns() []Column {
	return []Column{
		{Name: "Name", Type: ColumnString},
		{Name: "Impact", Type: ColumnInt},
	}
}

func (d *Incidents) GetNextPage(ctx context.Context, req PageRequest) (Page, error) {
	q := store.ListQuery{Module: d.module, Limit: d.pageSize + 1}
	if d.defID != uuid.Nil {
		q.DefinitionID = &d.defID
	}
	if req.Cursor != "" {
		after, err := uuid.Parse(req.Cursor)
		if err != nil {
			return Page{}, fmt.Errorf("bad cursor %q: %w", req.Cursor, err)
		}
		q.After = &after
	}

	insts, err := d.lister.ListInstances(ctx, q)
	if err != nil {
		return Page{}, err
	}
	page := Page{HasNextPage: len(insts) > d.pageSize}
	if page.HasNextPage {
		insts = insts[:d.pageSize]
		page.Cursor = insts[len(insts)-1].ID.String()
	}
	page.Rows = lo.Map(insts, func(inst dom.Instance, _ int) Row { return CreateRow(inst) })
	return page, nil
}

// StartUpdates attaches to the watcher and forwards changes to u until
// StopUpdates. A subscribe failure is returned and leaves updates stopped.
func (d *Incidents) StartUpdates(ctx context.Context, u Updater) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sub != nil {
		return ErrUpdatesActive
	}
	d.updater = u
	sub, err := watcher.Subscribe(ctx, d.reg, d.onChanged)
	if err != nil {
		d.updater = nil
		return fmt.Errorf("start updates: %w", err)
	}
	d.sub = sub
	d.logger.Debug("updates started", zap.Uint64("listener", uint64(sub.ID())))
	return nil
}

// StopUpdates detaches from the watcher. It never disposes it.
func (d *Incidents) StopUpdates(ctx context.Context) error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.updater = nil
	d.mu.Unlock()

	if sub == nil {
		return nil
	}
	sub.Detach(ctx)
	d.logger.Debug("updates stopped", zap.Uint64("listener", uint64(sub.ID())))
	return nil
}

func (d *Incidents) onChanged(ev *dom.InstancesChangedEvent) {
	d.mu.Lock()
	u := d.updater
	d.mu.Unlock()
	if u == nil {
		return
	}

	for _, inst := range d.own(ev.Created) {
		d.remember(inst)
		u.AddRow(CreateRow(inst))
	}
	for _, inst := range d.own(ev.Updated) {
		if d.remember(inst) {
			continue
		}
		u.UpdateRow(CreateRow(inst))
	}
	for _, inst := range d.own(ev.Deleted) {
		d.recent.forget(inst.ID)
		u.RemoveRow(inst.ID.String())
	}
}

func (d *Incidents) own(insts []dom.Instance) []dom.Instance {
	return lo.Filter(insts, func(inst dom.Instance, _ int) bool {
		return inst.Module == d.module && (d.defID == uuid.Nil || inst.DefinitionID == d.defID)
	})
}

// remember records the instance's fingerprint and reports whether it was
// already the last one sent.
func (d *Incidents) remember(inst dom.Instance) bool {
	fp, err := dom.Fingerprint(inst)
	if err != nil {
		d.logger.Warn("fingerprint failed", zap.Stringer("instance", inst.ID), zap.Error(err))
		return false
	}
	return d.recent.seenRecently(inst.ID, fp)
}

// CreateRow maps an instance to the Name and Impact cells. Impact is nil when
// the field is missing or not an integer.
func CreateRow(inst dom.Instance) Row {
	var impact any
	if n, ok := inst.FieldInt(ImpactField); ok {
		impact = n
	}
	return Row{Key: inst.ID.String(), Cells: []any{inst.Name, impact}}
}
