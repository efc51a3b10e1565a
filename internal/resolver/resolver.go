// Package resolver orders services so that dependencies start first.
// Resolution is pure: it reads definitions and never starts anything.
package resolver

import (
	"fmt"
	"slices"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

// Source is the read side of the registry used for resolution.
type Source interface {
	Definition(id domain.ServiceID) (domain.ServiceDefinition, error)
	DefinitionByName(name string) (domain.ServiceDefinition, bool)
	ID(name string) (domain.ServiceID, bool)
}

// Resolver computes start and stop orders.
type Resolver struct {
	src Source
}

// New creates a resolver reading from src.
func New(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve returns the start order of ids and their transitive dependencies.
func (r *Resolver) Resolve(ids []domain.ServiceID) ([]domain.ServiceID, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		def, err := r.src.Definition(id)
		if err != nil {
			return nil, err
		}
		names = append(names, def.Name)
	}
	order, err := r.StartOrder(names)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ServiceID, 0, len(order))
	for _, name := range order {
		if id, ok := r.src.ID(name); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// StartOrder returns names and their closure in a valid start sequence.
func (r *Resolver) StartOrder(names []string) ([]string, error) {
	tiers, err := r.Tiers(names)
	if err != nil {
		return nil, err
	}
	return slices.Concat(tiers...), nil
}

// StopOrder is the exact reverse of StartOrder.
func (r *Resolver) StopOrder(names []string) ([]string, error) {
	order, err := r.StartOrder(names)
	if err != nil {
		return nil, err
	}
	slices.Reverse(order)
	return order, nil
}

// Tiers groups the start order into levels whose members do not depend on each other.
func (r *Resolver) Tiers(names []string) ([][]string, error) {
	return Tiers(names, r.src.DefinitionByName)
}

// Tiers orders names over lookup. Optional edges are honoured when they do not
// close a cycle; otherwise ordering falls back to required edges only.
func Tiers(names []string, lookup func(string) (domain.ServiceDefinition, bool)) ([][]string, error) {
	g, err := build(names, lookup, true)
	if err != nil {
		return nil, err
	}
	tiers, remaining := g.kahn()
	if len(remaining) == 0 {
		return tiers, nil
	}

	g, err = build(names, lookup, false)
	if err != nil {
		return nil, err
	}
	tiers, remaining = g.kahn()
	if len(remaining) > 0 {
		return nil, g.cycleError(remaining)
	}
	return tiers, nil
}

// Admit rejects candidates whose required edges close a cycle with themselves or
// with registered services. It satisfies registry.AdmissionFunc.
func Admit(candidates []domain.ServiceDefinition, lookup registry.Lookup) error {
	roots := make([]string, 0, len(candidates))
	for _, c := range candidates {
		roots = append(roots, c.Name)
	}
	g, err := build(roots, lookup, false)
	if err != nil {
		return err
	}
	if _, remaining := g.kahn(); len(remaining) > 0 {
		return fmt.Errorf("admission refused: %w", g.cycleError(remaining))
	}
	return nil
}
