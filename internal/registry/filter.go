package registry

import (
	"path"
	"slices"
	"strings"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// Filter narrows List. Empty fields match everything.
type Filter struct {
	// Pattern is a glob over service names supporting * and ?.
	Pattern string
	Tag     string
	Type    *domain.ServiceType
	// SkipDisabled hides services flagged Disabled.
	SkipDisabled bool
}

// List returns the ids of matching services sorted by name.
func (r *Registry) List(f Filter) []domain.ServiceID {
	r.mu.RLock()
	candidates := r.candidatesLocked(f)
	type named struct {
		id   domain.ServiceID
		name string
	}
	matched := make([]named, 0, len(candidates))
	for _, id := range candidates {
		e := r.services[id]
		def := e.definition()
		if f.Pattern != "" && !matchName(f.Pattern, def.Name) {
			continue
		}
		if f.SkipDisabled {
			e.mu.RLock()
			disabled := e.disabled
			e.mu.RUnlock()
			if disabled {
				continue
			}
		}
		matched = append(matched, named{id: id, name: def.Name})
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b named) int { return strings.Compare(a.name, b.name) })
	out := make([]domain.ServiceID, len(matched))
	for i, m := range matched {
		out[i] = m.id
	}
	return out
}

// candidatesLocked picks the smallest index that satisfies the filter.
func (r *Registry) candidatesLocked(f Filter) []domain.ServiceID {
	var set map[domain.ServiceID]struct{}
	switch {
	case f.Tag != "" && f.Type != nil:
		tagged, typed := r.byTag[f.Tag], r.byType[*f.Type]
		set = make(map[domain.ServiceID]struct{})
		for id := range tagged {
			if _, ok := typed[id]; ok {
				set[id] = struct{}{}
			}
		}
	case f.Tag != "":
		set = r.byTag[f.Tag]
	case f.Type != nil:
		set = r.byType[*f.Type]
	case f.Pattern != "" && !strings.ContainsAny(f.Pattern, "*?["):
		if id, ok := r.byName[f.Pattern]; ok {
			return []domain.ServiceID{id}
		}
		return nil
	default:
		out := make([]domain.ServiceID, 0, len(r.services))
		for id := range r.services {
			out = append(out, id)
		}
		return out
	}
	out := make([]domain.ServiceID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func matchName(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
