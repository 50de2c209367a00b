package dom

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
)

var ErrInvalidFilter = errors.New("invalid filter")

// Filter describes which upstream messages a subscriber is interested in: every
// message of Module whose instances satisfy Predicate.
type Filter struct {
	Module    string
	Predicate Predicate
}

func (f Filter) Validate() error {
	if strings.TrimSpace(f.Module) == "" {
		return fmt.Errorf("%w: module cannot be empty", ErrInvalidFilter)
	}
	if f.Predicate == nil {
		return fmt.Errorf("%w: predicate is required", ErrInvalidFilter)
	}
	return nil
}

// Matches reports whether the instance belongs to the filter's module and passes the predicate.
func (f Filter) Matches(inst Instance) bool {
	return inst.Module == f.Module && f.Predicate.Match(inst)
}

type Predicate interface {
	Match(Instance) bool
}

type PredicateFunc func(Instance) bool

func (fn PredicateFunc) Match(i Instance) bool { return fn(i) }

func All() Predicate {
	return PredicateFunc(func(Instance) bool { return true })
}

func DefinitionIDEquals(id uuid.UUID) Predicate {
	return PredicateFunc(func(i Instance) bool { return i.DefinitionID == id })
}

func FieldEquals(name string, want any) Predicate {
	return PredicateFunc(func(i Instance) bool {
		got, ok := i.Fields[name]
		if !ok {
			return false
		}
		if n, ok := i.FieldInt(name); ok {
			if w, ok := (Instance{Fields: map[string]any{name: want}}).FieldInt(name); ok {
				return n == w
			}
		}
		return reflect.DeepEqual(got, want)
	})
}

func And(ps ...Predicate) Predicate {
	return PredicateFunc(func(i Instance) bool {
		for _, p := range ps {
			if !p.Match(i) {
				return false
			}
		}
		return true
	})
}

func Or(ps ...Predicate) Predicate {
	return PredicateFunc(func(i Instance) bool {
		for _, p := range ps {
			if p.Match(i) {
				return true
			}
		}
		return false
	})
}

func Not(p Predicate) Predicate {
	return PredicateFunc(func(i Instance) bool { return !p.Match(i) })
}

// exprEnv is what an expression filter can see of an instance.
type exprEnv struct {
	ID           string
	DefinitionID string
	Module       string
	Name         string
	Fields       map[string]any
}

type exprPredicate struct {
	src     string
	program *vm.Program
}

// CompileExpr compiles a boolean expr-lang expression, e.g.
// `DefinitionID == "7bc4bc92-5da6-4a72-8a19-bbd34ed90a79" && Fields.impact > 2`.
// Evaluation errors count as a non-match.
func CompileExpr(src string) (Predicate, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}
	program, err := expr.Compile(src, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrInvalidFilter, src, err)
	}
	return &exprPredicate{src: src, program: program}, nil
}

func (p *exprPredicate) Match(i Instance) bool {
	out, err := expr.Run(p.program, exprEnv{
		ID:           i.ID.String(),
		DefinitionID: i.DefinitionID.String(),
		Module:       i.Module,
		Name:         i.Name,
		Fields:       i.Fields,
	})
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (p *exprPredicate) String() string { return p.src }
