// Package pricing resolves the per-turn cost: a global default with
// per-world overrides, loaded from a YAML file when one is configured.
package pricing

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultTurnCost applies when neither a file nor an env default is set.
const DefaultTurnCost = 2

// ErrInvalidCost indicates a configured cost is zero or negative.
var ErrInvalidCost = errors.New("turn cost must be greater than zero")

type fileConfig struct {
	DefaultCost int            `yaml:"default_cost"`
	Worlds      map[string]int `yaml:"worlds"`
}

// Resolver answers cost lookups. It is immutable after Load.
type Resolver struct {
	defaultCost int
	worlds      map[string]int
}

// Load builds a resolver from an optional YAML file. An empty path uses
// fallbackCost alone; a non-positive fallbackCost uses DefaultTurnCost.
func Load(path string, fallbackCost int) (*Resolver, error) {
	if fallbackCost <= 0 {
		fallbackCost = DefaultTurnCost
	}
	resolver := &Resolver{defaultCost: fallbackCost, worlds: map[string]int{}}
	if path == "" {
		return resolver, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}

	if cfg.DefaultCost != 0 {
		if cfg.DefaultCost < 0 {
			return nil, fmt.Errorf("default_cost: %w", ErrInvalidCost)
		}
		resolver.defaultCost = cfg.DefaultCost
	}
	for worldID, cost := range cfg.Worlds {
		if cost <= 0 {
			return nil, fmt.Errorf("world %q: %w", worldID, ErrInvalidCost)
		}
		resolver.worlds[worldID] = cost
	}
	return resolver, nil
}

// CostForWorld returns the turn cost for a world, falling back to the
// global default when no override exists.
func (r *Resolver) CostForWorld(worldID string) int {
	if r == nil {
		return DefaultTurnCost
	}
	if cost, ok := r.worlds[worldID]; ok {
		return cost
	}
	return r.defaultCost
}
