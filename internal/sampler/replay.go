package sampler

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ReplayProvider plays back a recorded track. Each CSV row is
// latitude,longitude[,timestamp_ms]; a header row is skipped.
type ReplayProvider struct {
	mu    sync.Mutex
	fixes []Fix
	next  int
}

// LoadReplayFile reads a recorded track from path
func LoadReplayFile(path string) (*ReplayProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return NewReplayProvider(f)
}

// NewReplayProvider parses a recorded track from r
func NewReplayProvider(r io.Reader) (*ReplayProvider, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var fixes []Fix
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read replay record: %w", err)
		}
		line++

		if line == 1 && isHeader(record) {
			continue
		}
		fix, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		fixes = append(fixes, fix)
	}

	return &ReplayProvider{fixes: fixes}, nil
}

// CurrentFix returns the next recorded fix, or ErrExhausted at the end
func (p *ReplayProvider) CurrentFix(context.Context) (Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.next >= len(p.fixes) {
		return Fix{}, ErrExhausted
	}
	fix := p.fixes[p.next]
	p.next++
	return fix, nil
}

// Rewind restarts playback from the first fix
func (p *ReplayProvider) Rewind() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
}

// Len is the number of recorded fixes
func (p *ReplayProvider) Len() int {
	return len(p.fixes)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	return err != nil
}

func parseRecord(record []string) (Fix, error) {
	if len(record) < 2 {
		return Fix{}, fmt.Errorf("expected at least 2 fields, got %d", len(record))
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
	if err != nil {
		return Fix{}, fmt.Errorf("invalid longitude: %w", err)
	}

	fix := Fix{Latitude: lat, Longitude: lon}
	if len(record) > 2 && strings.TrimSpace(record[2]) != "" {
		ts, err := strconv.ParseInt(strings.TrimSpace(record[2]), 10, 64)
		if err != nil {
			return Fix{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		fix.Timestamp = ts
	}
	return fix, nil
}
