package publisher

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

// Factory creates a Destination from its resolved configuration
type Factory func(cfg.DestinationConfiguration) (Destination, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// RegisterDestination registers a destination factory for a type
func RegisterDestination(destType string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[destType] = factory
}

func createDestination(config cfg.DestinationConfiguration) (Destination, error) {
	factoryMu.RLock()
	factory, exists := factories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown destination type: %s", config.Type)
	}

	return factory(config)
}

// BuildTargets creates a target for every configured destination. If any
// destination fails to build, those already built are closed. Names must be
// unique.
func BuildTargets(configs []cfg.DestinationConfiguration) ([]*Target, error) {
	targets := make([]*Target, 0, len(configs))
	names := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		if _, dup := names[c.Name]; dup {
			CloseTargets(targets)
			return nil, &common.ConfigError{Field: "destinations", Reason: "duplicate destination name " + c.Name}
		}
		names[c.Name] = struct{}{}

		d, err := createDestination(c)
		if err != nil {
			CloseTargets(targets)
			return nil, fmt.Errorf("failed to create destination %q: %w", c.Name, err)
		}
		targets = append(targets, NewTarget(d, c))

		log.Info().
			Str("destination", c.Name).
			Str("type", c.Type).
			Bool("post_nsfw", c.PostNSFW).
			Bool("post_spoilers", c.PostSpoilers).
			Msg("Added destination")
	}
	return targets, nil
}

// CloseTargets closes every target, logging failures
func CloseTargets(targets []*Target) {
	for _, t := range targets {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("destination", t.Name()).Msg("Failed to close destination")
		}
	}
}
