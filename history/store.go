// Package history records which submissions have already been handled so a
// pass never republishes them. Engines: a flat append-only file (default),
// Pebble, a SQL database, or a Redis hash.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("history store is closed")

// Store is the durable set of handled submission IDs.
//
// Append is idempotent and durable once it returns nil. Engines assume a
// single writer; the publish pass is that writer.
type Store interface {
	Contains(ctx context.Context, id string) (bool, error)
	Append(ctx context.Context, rec common.Record) error
	Len() int
	Close() error
}

// scanner is implemented by engines that can enumerate their IDs at open
type scanner interface {
	scan(ctx context.Context, fn func(id string)) error
}

// Open opens the configured engine. path is the file for the file engine and
// the data directory for pebble; it is ignored by sql and redis.
func Open(ctx context.Context, hc cfg.HistoryConfiguration, path string) (Store, error) {
	var (
		store Store
		err   error
	)

	switch hc.Engine {
	case "", cfg.HistoryFile:
		// The file engine keeps every ID in memory, no filter needed
		return OpenFile(path)
	case cfg.HistoryPebble:
		store, err = OpenPebble(path)
	case cfg.HistorySQL:
		store, err = OpenSQL(ctx, hc.SQLDriver, hc.SQLDSN)
	case cfg.HistoryRedis:
		store, err = OpenRedis(ctx, hc.RedisURL, hc.RedisKey)
	default:
		return nil, &common.ConfigError{Field: "history.engine", Reason: "unknown engine " + hc.Engine}
	}
	if err != nil {
		return nil, err
	}

	filtered, err := withSeenFilter(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to populate seen filter: %w", err)
	}

	log.Info().
		Str("engine", hc.Engine).
		Int("records", store.Len()).
		Msg("History store opened")

	return filtered, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("empty submission id")
	}
	for _, r := range id {
		if r == ',' || r == '\n' || r == '\r' {
			return fmt.Errorf("submission id %q contains a separator", id)
		}
	}
	return nil
}
