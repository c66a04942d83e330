package metricslog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ReadRecords returns all parseable rows of a machine's rolling metrics
// file in file order. A missing file yields an empty slice: a machine that
// never logged is not an error.
func (s *Store) ReadRecords(machineID string) ([]Record, error) {
	return s.ReadRecordsFile(machineID, MetricsFilename)
}

// ReadRecordsFile reads a named file in the machine directory (lab logs).
func (s *Store) ReadRecordsFile(machineID, filename string) ([]Record, error) {
	path := filepath.Join(s.root, machineID, filename)
	header, rows, err := readRawRows(path)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := parseRecord(header, row)
		if err != nil {
			// Corrupt rows are skipped, not fatal: the file may have been
			// interrupted mid-write by a power loss.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadRecordsSince filters a machine's rolling metrics to the trailing
// window ending now.
func (s *Store) ReadRecordsSince(machineID string, window time.Duration) ([]Record, error) {
	records, err := s.ReadRecords(machineID)
	if err != nil {
		return nil, err
	}
	cutoff := s.clock.Now().Add(-window)
	out := records[:0]
	for _, rec := range records {
		if !rec.Timestamp.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ClearMachineData deletes a machine's metric and control log files.
func (s *Store) ClearMachineData(machineID string) error {
	for _, name := range []string{MetricsFilename, ControlLogFilename} {
		err := os.Remove(filepath.Join(s.root, machineID, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
