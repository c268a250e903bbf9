package journal

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

var csvHeader = []string{"time", "event_id", "session_id", "seq", "type", "payload"}

// CSV appends one row per event and flushes after every write.
type CSV struct {
	path string

	mu sync.Mutex
	w  *csv.Writer
	f  *os.File
}

func NewCSV(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		_ = f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &CSV{path: path, w: w, f: f}, nil
}

func (j *CSV) Write(_ context.Context, ev Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.w.Write([]string{
		formatTime(ev.Time),
		ev.ID,
		ev.Session,
		strconv.FormatInt(ev.Seq, 10),
		string(ev.Type),
		string(ev.Payload),
	})
	if err != nil {
		return err
	}
	j.w.Flush()
	return j.w.Error()
}

// ListEvents reads the file back from disk.
func (j *CSV) ListEvents(_ context.Context, f Filter) ([]Event, error) {
	j.mu.Lock()
	j.w.Flush()
	j.mu.Unlock()

	return LoadCSV(j.path, f)
}

// LoadCSV reads a CSV journal without opening it for writing.
func LoadCSV(path string, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	all, err := ReadCSV(file)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if !f.match(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ReadCSV parses a journal written by the CSV sink.
func ReadCSV(r io.Reader) ([]Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("journal: csv header: %w", err)
	}
	for i, h := range csvHeader {
		if header[i] != h {
			return nil, fmt.Errorf("journal: csv header: column %d is %q, want %q", i, header[i], h)
		}
	}

	var out []Event
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("journal: csv line %d: %w", line, err)
		}
		ts, err := parseTime(row[0])
		if err != nil {
			return nil, fmt.Errorf("journal: csv line %d: %w", line, err)
		}
		seq, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("journal: csv line %d: seq: %w", line, err)
		}
		out = append(out, Event{
			ID:      row[1],
			Session: row[2],
			Seq:     seq,
			Time:    ts,
			Type:    EventType(row[4]),
			Payload: []byte(row[5]),
		})
	}
	return out, nil
}

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.w.Flush()
	if err := j.w.Error(); err != nil {
		_ = j.f.Close()
		return err
	}
	return j.f.Close()
}
