package metricslog

import (
	"fmt"
	"os"
	"path/filepath"
)

const labFilePattern = "Lab_Test_*.csv"

// labEpsilon is the smallest value a lab row may carry. Below it the
// sensor is reporting noise, not product flow.
const labEpsilon = 1e-6

// ClampedForLab zeroes negative and near-zero readings so a lab report
// never shows phantom throughput from an idle machine.
func (r Record) ClampedForLab() Record {
	r.Capacity = clampLab(r.Capacity)
	r.Accepts = clampLab(r.Accepts)
	r.Rejects = clampLab(r.Rejects)
	r.ObjectsPerMin = clampLab(r.ObjectsPerMin)
	r.Objects60M = clampLab(r.Objects60M)
	for i := range r.Counters {
		r.Counters[i] = clampLab(r.Counters[i])
	}
	r.Mode = ModeLab
	return r
}

func clampLab(v float64) float64 {
	if v < labEpsilon {
		return 0
	}
	return v
}

// LabFilename returns the per-test log filename for a session started at
// the store clock's current time.
func (s *Store) LabFilename() string {
	return fmt.Sprintf("Lab_Test_%s.csv", s.clock.Now().Format("2006-01-02_15-04-05"))
}

// StartLabSession creates (or truncates) a fresh lab log for the machine so
// cached totals cannot reuse a previous test's data, and returns its
// filename.
func (s *Store) StartLabSession(machineID string) (string, error) {
	dir, err := s.MachineDir(machineID)
	if err != nil {
		return "", err
	}
	filename := s.LabFilename()
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("metricslog: create lab log: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filename, nil
}

// LatestLabFile returns the newest existing lab log filename for a machine,
// by modification time.
func (s *Store) LatestLabFile(machineID string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(s.root, machineID, labFilePattern))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	var newest string
	var newestMod int64
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().UnixNano() > newestMod {
			newest = path
			newestMod = info.ModTime().UnixNano()
		}
	}
	if newest == "" {
		return "", false
	}
	return filepath.Base(newest), true
}
