package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Point is one historical observation.
type Point struct {
	Time   time.Time
	Series string
	Value  float64
}

type series struct {
	times  []time.Time
	values []float64
}

// Historical replays preloaded series. Data is indexed once at construction;
// lookups are exact-match binary searches. There is no interpolation: a
// timestamp that was not loaded is unavailable.
type Historical struct {
	series map[string]*series
}

// NewHistorical indexes points. Duplicate (series, time) pairs are rejected.
func NewHistorical(points []Point) (*Historical, error) {
	grouped := map[string][]Point{}
	for _, p := range points {
		grouped[p.Series] = append(grouped[p.Series], p)
	}

	h := &Historical{series: make(map[string]*series, len(grouped))}
	for name, ps := range grouped {
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].Time.Before(ps[j].Time) })
		s := &series{
			times:  make([]time.Time, len(ps)),
			values: make([]float64, len(ps)),
		}
		for i, p := range ps {
			if i > 0 && p.Time.Equal(ps[i-1].Time) {
				return nil, fmt.Errorf("data: duplicate point for %s at %s", name, p.Time.Format(time.RFC3339))
			}
			s.times[i] = p.Time.UTC()
			s.values[i] = p.Value
		}
		h.series[name] = s
	}
	return h, nil
}

// LoadCSV reads a historical file. See ReadCSV for the format.
func LoadCSV(path string) (*Historical, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("data: open %s: %w", path, err)
	}
	defer f.Close()

	return ReadCSV(f)
}

// ReadCSV reads rows of
//
//	time,series,value
//
// where time is RFC3339 or RFC3339Nano. A single header row ("time,...") is
// allowed and empty rows are skipped.
func ReadCSV(r io.Reader) (*Historical, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var (
		points   []Point
		sawFirst bool
		line     int
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("data: read csv: %w", err)
		}
		line++
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if !sawFirst {
			sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		p, err := parsePointRow(row)
		if err != nil {
			return nil, fmt.Errorf("data: line %d: %w", line, err)
		}
		points = append(points, p)
	}

	return NewHistorical(points)
}

func parsePointRow(row []string) (Point, error) {
	if len(row) < 3 {
		return Point{}, fmt.Errorf("want time,series,value got %d fields", len(row))
	}

	ts := strings.TrimSpace(row[0])
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t2, err2 := time.Parse(time.RFC3339Nano, ts)
		if err2 != nil {
			return Point{}, fmt.Errorf("bad time %q: %w", ts, err)
		}
		t = t2
	}

	name := strings.TrimSpace(row[1])
	if name == "" {
		return Point{}, fmt.Errorf("empty series name")
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad value %q: %w", row[2], err)
	}

	return Point{Time: t.UTC(), Series: name, Value: v}, nil
}

// Query returns the value recorded for key at exactly ts.
func (h *Historical) Query(_ context.Context, ts time.Time, key string) (Value, error) {
	s, ok := h.series[key]
	if !ok {
		return Value{}, &errs.DataUnavailableError{Key: key, Time: ts, Reason: "unknown series"}
	}

	ts = ts.UTC()
	if len(s.times) == 0 || ts.Before(s.times[0]) || ts.After(s.times[len(s.times)-1]) {
		return Value{}, &errs.DataUnavailableError{Key: key, Time: ts, Reason: "outside loaded range"}
	}

	i := sort.Search(len(s.times), func(i int) bool { return !s.times[i].Before(ts) })
	if i == len(s.times) || !s.times[i].Equal(ts) {
		return Value{}, &errs.DataUnavailableError{Key: key, Time: ts, Reason: "no point at timestamp"}
	}

	return Value{V: s.values[i], AsOf: s.times[i]}, nil
}

// Range returns the first and last loaded timestamps of key.
func (h *Historical) Range(key string) (first, last time.Time, ok bool) {
	s, found := h.series[key]
	if !found || len(s.times) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.times[0], s.times[len(s.times)-1], true
}

// Series returns the loaded series names in sorted order.
func (h *Historical) Series() []string {
	out := make([]string, 0, len(h.series))
	for name := range h.series {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
