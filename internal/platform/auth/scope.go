package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type visibility int

const (
	visibleNone visibility = iota
	visibleOwn
	visibleAll
)

// Predicate narrows a collection query to the rows a caller may see. It is
// always combined with the tenant filter, never used in place of it.
type Predicate struct {
	vis   visibility
	actor uuid.UUID
}

// Scope returns the visibility predicate for a list or view action.
func Scope(role Role, actor uuid.UUID, action Action) Predicate {
	p, ok := policies[action]
	if !ok || !hasRole(p.roles, role) {
		return Predicate{vis: visibleNone}
	}
	if role.IsManagerial() {
		return Predicate{vis: visibleAll}
	}
	if actor == uuid.Nil {
		return Predicate{vis: visibleNone}
	}
	return Predicate{vis: visibleOwn, actor: actor}
}

// All reports whether the predicate admits every row.
func (p Predicate) All() bool { return p.vis == visibleAll }

// None reports whether the predicate admits no row.
func (p Predicate) None() bool { return p.vis == visibleNone }

// Matches evaluates the predicate against a single record.
func (p Predicate) Matches(res Resource) bool {
	switch p.vis {
	case visibleAll:
		return true
	case visibleOwn:
		return ownsRecord(res, p.actor)
	}
	return false
}

// Columns names the SQL columns holding a record's creator and assigned
// clinicians.
type Columns struct {
	Creator  string
	Assigned []string
}

// SQL renders the predicate as a boolean clause. Placeholders are numbered
// from next; the returned args must be appended to the query's args in order.
func (p Predicate) SQL(cols Columns, next int) (string, []any) {
	switch p.vis {
	case visibleAll:
		return "TRUE", nil
	case visibleOwn:
		ph := fmt.Sprintf("$%d", next)
		parts := make([]string, 0, 1+len(cols.Assigned))
		parts = append(parts, cols.Creator+" = "+ph)
		for _, c := range cols.Assigned {
			parts = append(parts, c+" = "+ph)
		}
		return "(" + strings.Join(parts, " OR ") + ")", []any{p.actor}
	}
	return "FALSE", nil
}
