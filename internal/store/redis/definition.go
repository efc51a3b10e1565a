// Package redis persists service definitions and terminal faults. Persistence
// is optional: the registry stays the source of truth and every write here is
// best effort.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

const (
	// DefaultDefinitionTTL expires definitions no manifest or API call refreshed.
	DefaultDefinitionTTL = 7 * 24 * time.Hour
	// DefaultFaultTTL expires terminal fault reports.
	DefaultFaultTTL = 30 * 24 * time.Hour
	// DefaultFaultRetention caps the fault timeline.
	DefaultFaultRetention = 512
)

// Store reads and writes keel keys.
type Store struct {
	client        redis.UniversalClient
	definitionTTL time.Duration
	faultTTL      time.Duration
}

// NewStore wraps a connected client.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{
		client:        client,
		definitionTTL: DefaultDefinitionTTL,
		faultTTL:      DefaultFaultTTL,
	}
}

// SaveDefinition stores one definition under its name.
func (s *Store) SaveDefinition(ctx context.Context, def domain.ServiceDefinition) error {
	return s.SaveDefinitions(ctx, []domain.ServiceDefinition{def})
}

// SaveDefinitions stores definitions in one pipeline.
func (s *Store) SaveDefinitions(ctx context.Context, defs []domain.ServiceDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, def := range defs {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.Name, err)
		}
		pipe.Set(ctx, DefinitionKey(def.Name), data, s.definitionTTL)
		pipe.SAdd(ctx, KeyAllDefinitions, def.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save definitions: %w", err)
	}
	return nil
}

// GetDefinition loads one definition.
func (s *Store) GetDefinition(ctx context.Context, name string) (domain.ServiceDefinition, error) {
	data, err := s.client.Get(ctx, DefinitionKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ServiceDefinition{}, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
		}
		return domain.ServiceDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}
	var def domain.ServiceDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return domain.ServiceDefinition{}, fmt.Errorf("failed to unmarshal definition %s: %w", name, err)
	}
	return def, nil
}

// Definitions loads every persisted definition. Names whose key expired are
// dropped from the index.
func (s *Store) Definitions(ctx context.Context) ([]domain.ServiceDefinition, error) {
	names, err := s.client.SMembers(ctx, KeyAllDefinitions).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = DefinitionKey(n)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load definitions: %w", err)
	}

	defs := make([]domain.ServiceDefinition, 0, len(vals))
	var expired []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, names[i])
			continue
		}
		var def domain.ServiceDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			continue
		}
		defs = append(defs, def)
	}
	if len(expired) > 0 {
		_ = s.client.SRem(ctx, KeyAllDefinitions, expired...).Err()
	}
	return defs, nil
}

// DeleteDefinition removes a definition and its index entry.
func (s *Store) DeleteDefinition(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, DefinitionKey(name))
	pipe.SRem(ctx, KeyAllDefinitions, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
