package history

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/common"
)

const (
	fileHeader     = "reddit id,successful posts,time posted"
	fileTimeLayout = "2006 Jan 02 15:04:05"
)

// FileStore is the line-oriented history file:
//
//	reddit id,successful posts,time posted
//	abc123,2,2024 Mar 05 14:01:59
//
// The whole file is read at open; every append is fsynced.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	file   appendFile
	ids    map[string]struct{}
	closed bool
}

// appendFile is the subset of *os.File the store writes through
type appendFile interface {
	io.WriteSeeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// OpenFile opens or creates the history file at path
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, &common.ConfigError{Field: "media.cache_file", Reason: "history file path is empty"}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read history file %s: %w", path, err)
	}

	ids, keep, err := parseHistory(path, data)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file %s: %w", path, err)
	}

	if keep < len(data) {
		log.Warn().
			Str("path", path).
			Int("discarded_bytes", len(data)-keep).
			Msg("Discarding torn trailing history line")
		if err := f.Truncate(int64(keep)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate history file: %w", err)
		}
		data = data[:keep]
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek history file: %w", err)
	}

	// Fresh file, or a complete last line that lost its newline
	var fix string
	if len(data) == 0 {
		fix = fileHeader + "\n"
		log.Info().Str("path", path).Msg("History file does not exist yet; creating it")
	} else if data[len(data)-1] != '\n' {
		fix = "\n"
	}
	if fix != "" {
		if _, err := f.WriteString(fix); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write history file: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to sync history file: %w", err)
		}
	}

	return &FileStore{path: path, file: f, ids: ids}, nil
}

// parseHistory returns the known IDs and how many leading bytes of data are
// valid. A final line without newline that does not parse is a torn write and
// is excluded from keep; any other malformed line is corruption.
func parseHistory(path string, data []byte) (map[string]struct{}, int, error) {
	ids := make(map[string]struct{})
	if len(data) == 0 {
		return ids, 0, nil
	}

	offset := 0
	lineNo := 0
	for offset < len(data) {
		end := bytes.IndexByte(data[offset:], '\n')
		complete := end >= 0
		var line string
		if complete {
			line = string(data[offset : offset+end])
		} else {
			line = string(data[offset:])
		}
		lineNo++
		line = strings.TrimRight(line, "\r")

		if lineNo == 1 {
			if line != fileHeader {
				if !complete && strings.HasPrefix(fileHeader, line) {
					return ids, offset, nil
				}
				return nil, 0, &common.StoreCorruptError{Path: path, Line: 1, Err: fmt.Errorf("unexpected header %q", line)}
			}
		} else if line != "" {
			rec, err := parseLine(line)
			if err != nil {
				if !complete {
					return ids, offset, nil
				}
				return nil, 0, &common.StoreCorruptError{Path: path, Line: lineNo, Err: err}
			}
			ids[rec.ID] = struct{}{}
		}

		if !complete {
			break
		}
		offset += end + 1
	}

	return ids, len(data), nil
}

func parseLine(line string) (common.Record, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 3 {
		return common.Record{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	if fields[0] == "" {
		return common.Record{}, fmt.Errorf("empty submission id")
	}
	successes, err := strconv.Atoi(fields[1])
	if err != nil || successes < 0 {
		return common.Record{}, fmt.Errorf("invalid success count %q", fields[1])
	}
	postedAt, err := time.ParseInLocation(fileTimeLayout, fields[2], time.Local)
	if err != nil {
		return common.Record{}, fmt.Errorf("invalid timestamp %q", fields[2])
	}
	return common.Record{ID: fields[0], Successes: successes, PostedAt: postedAt}, nil
}

func formatLine(rec common.Record) string {
	return fmt.Sprintf("%s,%d,%s\n", rec.ID, rec.Successes, rec.PostedAt.Local().Format(fileTimeLayout))
}

// Contains reports whether id has been recorded
func (s *FileStore) Contains(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.ids[id]
	return ok, nil
}

// Append writes rec and fsyncs. Appending a known ID is a no-op.
func (s *FileStore) Append(_ context.Context, rec common.Record) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.ids[rec.ID]; ok {
		return nil
	}

	offset, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to locate history file end: %w", err)
	}
	if _, err := s.file.Write([]byte(formatLine(rec))); err != nil {
		s.rollback(offset)
		return fmt.Errorf("failed to append history record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history file: %w", err)
	}

	s.ids[rec.ID] = struct{}{}
	return nil
}

// rollback drops a partially written line so the next append starts on a
// clean line boundary
func (s *FileStore) rollback(offset int64) {
	if err := s.file.Truncate(offset); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to drop partial history line")
		return
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to rewind history file")
	}
}

// Len returns the number of recorded IDs
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Close closes the underlying file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
