package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/tootbot/tootbot/common"
)

func TestExitLevel(t *testing.T) {
	corrupt := &common.StoreCorruptError{Path: "cache.csv", Line: 2, Err: errors.New("bad row")}
	assert.Equal(t, zerolog.FatalLevel, exitLevel(corrupt))
	assert.Equal(t, zerolog.FatalLevel, exitLevel(fmt.Errorf("fetch r/aww: %w", &common.UnsupportedSortError{Sort: "random"})))
	assert.Equal(t, zerolog.FatalLevel, exitLevel(&common.ConfigError{Field: "reddit.sort", Reason: "unknown"}))

	assert.Equal(t, zerolog.ErrorLevel, exitLevel(errors.New("reddit returned 503")))
	assert.Equal(t, zerolog.ErrorLevel, exitLevel(fmt.Errorf("fetch r/aww: %w", errors.New("timeout"))))
}
