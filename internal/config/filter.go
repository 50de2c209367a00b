package config

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jsherman999/domwatch/internal/dom"
)

// WatchFilter builds the watcher filter: the configured module, narrowed by
// definition id and the expr filter when they are set.
func (c *Config) WatchFilter() (dom.Filter, error) {
	var preds []dom.Predicate
	if c.Watcher.DefinitionID != uuid.Nil {
		preds = append(preds, dom.DefinitionIDEquals(c.Watcher.DefinitionID))
	}
	if c.Watcher.Filter != "" {
		p, err := dom.CompileExpr(c.Watcher.Filter)
		if err != nil {
			return dom.Filter{}, fmt.Errorf("watcher.filter: %w", err)
		}
		preds = append(preds, p)
	}

	f := dom.Filter{Module: c.Watcher.Module, Predicate: dom.All()}
	switch len(preds) {
	case 0:
	case 1:
		f.Predicate = preds[0]
	default:
		f.Predicate = dom.And(preds...)
	}
	return f, f.Validate()
}
