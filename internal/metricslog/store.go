package metricslog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sorterfleet/internal/observability/metrics"
)

// Default file names inside each machine directory.
const (
	MetricsFilename    = "last_24h_metrics.csv"
	ControlLogFilename = "last_24h_control_log.csv"
)

// DefaultRetention is the rolling window width.
const DefaultRetention = 24 * time.Hour

// purgeInterval throttles purges: at most one per file per interval,
// regardless of append frequency. Appends between purges grow the file
// monotonically.
const purgeInterval = 60 * time.Second

// Clock provides time to the store.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Archiver receives rows dropped by a purge before they are rewritten away.
// A failing archiver never blocks the purge.
type Archiver interface {
	ArchiveMetrics(ctx context.Context, machineID string, rows []Record) error
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides the rolling window width.
func WithRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

// WithArchiver attaches an archive sink for purged rows.
func WithArchiver(archiver Archiver) Option {
	return func(s *Store) { s.archiver = archiver }
}

// WithClock overrides the clock, for tests.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Store is the append-only rolling-window file store. One directory per
// machine under the export root; one writer per file.
type Store struct {
	root      string
	retention time.Duration
	clock     Clock
	logger    *log.Logger
	archiver  Archiver

	mu        sync.Mutex
	lastPurge map[string]time.Time
}

// NewStore constructs a Store rooted at dir, creating it if needed.
func NewStore(dir string, logger *log.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("metricslog: empty export root")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metricslog: create export root: %w", err)
	}
	s := &Store{
		root:      dir,
		retention: DefaultRetention,
		clock:     systemClock{},
		logger:    logger,
		lastPurge: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the export root directory.
func (s *Store) Root() string { return s.root }

// MachineDir returns (and creates) the directory for one machine.
func (s *Store) MachineDir(machineID string) (string, error) {
	dir := filepath.Join(s.root, machineID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("metricslog: create machine dir: %w", err)
	}
	return dir, nil
}

// MetricsPath returns the absolute path of a machine's rolling metrics file.
func (s *Store) MetricsPath(machineID string) string {
	return filepath.Join(s.root, machineID, MetricsFilename)
}

// Append writes one row to the machine's rolling metrics file, then runs a
// throttled purge. An unavailable file (locked by a concurrent reader) is
// skipped with a log line; acquisition never stops over a persistence error.
func (s *Store) Append(ctx context.Context, machineID string, rec Record) {
	s.AppendTo(ctx, machineID, MetricsFilename, rec)
}

// AppendTo writes one row to a named file in the machine directory. Lab
// sessions use per-test filenames; everything else goes through Append.
func (s *Store) AppendTo(ctx context.Context, machineID, filename string, rec Record) {
	dir, err := s.MachineDir(machineID)
	if err != nil {
		s.skip(machineID, filename, err)
		return
	}
	path := filepath.Join(dir, filename)

	if err := appendRow(path, MetricsHeader(), rec.fields()); err != nil {
		s.skip(machineID, filename, err)
		return
	}
	metrics.IncAppend(machineID)

	if err := s.maybePurge(ctx, machineID, filename); err != nil && s.logger != nil {
		s.logger.Printf("purge %s/%s: %v", machineID, filename, err)
	}
}

// Purge rewrites the file keeping only rows inside the retention window.
// Rows outside the window are handed to the archiver first. Unconditional;
// throttling is the caller's concern (see maybePurge).
func (s *Store) Purge(ctx context.Context, machineID, filename string) error {
	path := filepath.Join(s.root, machineID, filename)
	header, rows, err := readRawRows(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(header) == 0 {
		return nil
	}

	// Legacy files lacking the mode column keep working: the canonical
	// header gains it and old rows carry an empty value.
	canonical := canonicalHeader(header)

	cutoff := s.clock.Now().Add(-s.retention)
	kept := make([][]string, 0, len(rows))
	var dropped []Record
	for _, row := range rows {
		ts, err := rowTimestamp(header, row)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			if rec, err := parseRecord(header, row); err == nil {
				dropped = append(dropped, rec)
			}
			continue
		}
		kept = append(kept, remapRow(header, canonical, row))
	}

	if len(dropped) > 0 && s.archiver != nil && filename == MetricsFilename {
		if err := s.archiver.ArchiveMetrics(ctx, machineID, dropped); err != nil {
			metrics.IncArchiveError()
			if s.logger != nil {
				s.logger.Printf("archive %d purged rows for machine %s: %v", len(dropped), machineID, err)
			}
		} else {
			metrics.AddArchivedRows(len(dropped))
		}
	}

	if err := rewriteFile(path, canonical, kept); err != nil {
		return err
	}
	metrics.ObservePurge(machineID, len(dropped))
	return nil
}

// maybePurge runs Purge at most once per purgeInterval per file.
func (s *Store) maybePurge(ctx context.Context, machineID, filename string) error {
	key := machineID + "/" + filename
	now := s.clock.Now()
	s.mu.Lock()
	if last, ok := s.lastPurge[key]; ok && now.Sub(last) < purgeInterval {
		s.mu.Unlock()
		return nil
	}
	s.lastPurge[key] = now
	s.mu.Unlock()
	return s.Purge(ctx, machineID, filename)
}

func (s *Store) skip(machineID, filename string, err error) {
	metrics.IncAppendSkipped(machineID)
	if s.logger != nil {
		s.logger.Printf("skip append %s/%s: %v", machineID, filename, err)
	}
}

// appendRow opens (or creates) the file and appends one CSV row, writing
// the header first when the file is new or empty.
func appendRow(path string, header, fields []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	if err := w.Write(fields); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// readRawRows returns the header and data rows of a CSV file.
func readRawRows(path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("metricslog: read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

// rewriteFile atomically replaces the file with the given header and rows.
func rewriteFile(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// canonicalHeader preserves the file's own column order and appends the
// mode column when absent.
func canonicalHeader(header []string) []string {
	for _, name := range header {
		if name == "mode" {
			return append([]string(nil), header...)
		}
	}
	out := append([]string(nil), header...)
	return append(out, "mode")
}

func rowTimestamp(header, row []string) (time.Time, error) {
	for i, name := range header {
		if name == "timestamp" {
			if i >= len(row) {
				break
			}
			return ParseTimestamp(row[i])
		}
	}
	return time.Time{}, errors.New("metricslog: row without timestamp")
}

// remapRow projects a row from the file's header onto the canonical header.
func remapRow(header, canonical, row []string) []string {
	byName := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) {
			byName[name] = row[i]
		}
	}
	out := make([]string, len(canonical))
	for i, name := range canonical {
		out[i] = byName[name]
	}
	return out
}
