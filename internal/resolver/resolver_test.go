package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/keel/internal/domain"
	"github.com/MrSnakeDoc/keel/internal/registry"
)

// mapSource is a fixed set of definitions. It may hold cycles the registry would refuse.
type mapSource map[string]domain.ServiceDefinition

func (m mapSource) Definition(id domain.ServiceID) (domain.ServiceDefinition, error) {
	for _, d := range m {
		if domain.ServiceID(d.Version) == id {
			return d, nil
		}
	}
	return domain.ServiceDefinition{}, domain.ErrServiceNotFound
}

func (m mapSource) DefinitionByName(name string) (domain.ServiceDefinition, bool) {
	d, ok := m[name]
	return d, ok
}

func (m mapSource) ID(name string) (domain.ServiceID, bool) {
	d, ok := m[name]
	return domain.ServiceID(d.Version), ok
}

func source(defs ...domain.ServiceDefinition) mapSource {
	m := mapSource{}
	for i, d := range defs {
		d.Version = uint64(i + 1)
		m[d.Name] = d
	}
	return m
}

func svc(name string, required []string, optional ...string) domain.ServiceDefinition {
	return domain.ServiceDefinition{Name: name, RequiredDependencies: required, OptionalDependencies: optional}
}

func TestStartOrder(t *testing.T) {
	src := source(
		svc("db", nil),
		svc("cache", nil),
		svc("api", []string{"db"}, "cache", "metrics"),
		svc("web", []string{"api"}),
	)
	r := New(src)

	order, err := r.StartOrder([]string{"web"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cache", "db", "api", "web"}, order, "present optional deps are pulled in and started first")

	stop, err := r.StopOrder([]string{"web"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "api", "db", "cache"}, stop)

	tiers, err := r.Tiers([]string{"web", "db"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cache", "db"}, {"api"}, {"web"}}, tiers)
}

func TestResolveByID(t *testing.T) {
	src := source(svc("db", nil), svc("web", []string{"db"}))
	r := New(src)
	ids, err := r.Resolve([]domain.ServiceID{2})
	require.NoError(t, err)
	assert.Equal(t, []domain.ServiceID{1, 2}, ids)
}

func TestResolve_CycleNamesEveryMember(t *testing.T) {
	src := source(svc("a", []string{"b"}), svc("b", []string{"a"}), svc("c", []string{"a"}))
	r := New(src)

	_, err := r.StartOrder([]string{"a", "b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircularDependency))

	var cycle *domain.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b"}, cycle.Nodes)
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Path)

	_, err = r.StartOrder([]string{"c"})
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b", "c"}, cycle.Nodes)
	assert.Equal(t, []string{"a", "b", "a"}, cycle.Path)
}

func TestResolve_OptionalCycleFallsBackToRequiredEdges(t *testing.T) {
	src := source(svc("a", []string{"b"}), svc("b", nil, "a"))
	order, err := New(src).StartOrder([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestResolve_UnknownService(t *testing.T) {
	_, err := New(source()).StartOrder([]string{"ghost"})
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestAdmit_RejectsCycleAtRegistration(t *testing.T) {
	reg := registry.New(registry.Config{})
	reg.SetAdmission(Admit)

	_, err := reg.RegisterBatch([]domain.ServiceDefinition{
		{Name: "a", RequiredDependencies: []string{"b"}},
		{Name: "b", RequiredDependencies: []string{"a"}},
	})
	require.Error(t, err)
	var cycle *domain.CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "b"}, cycle.Nodes)
	assert.Equal(t, 0, reg.Len(), "a cyclic batch is never partially registered")
}

func TestAdmit_RejectsCycleThroughUpgrade(t *testing.T) {
	reg := registry.New(registry.Config{})
	reg.SetAdmission(Admit)

	_, err := reg.RegisterBatch([]domain.ServiceDefinition{
		{Name: "db"},
		{Name: "web", RequiredDependencies: []string{"db"}},
	})
	require.NoError(t, err)

	_, err = reg.Register(domain.ServiceDefinition{Name: "db", Version: 2, RequiredDependencies: []string{"web"}})
	assert.ErrorIs(t, err, domain.ErrCircularDependency)

	_, err = reg.Register(domain.ServiceDefinition{Name: "db", Version: 2, OptionalDependencies: []string{"web"}})
	assert.NoError(t, err, "optional edges never block admission")
}
