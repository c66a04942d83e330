package metricslog

import (
	"context"
	"path/filepath"
	"time"
)

// Change arrows recorded in the control log, matching the operator display.
const (
	ActionUp        = "⬆"
	ActionDown      = "⬇"
	ActionUnchanged = "→"
)

// ControlEntry is one recorded setting change on a machine.
type ControlEntry struct {
	Timestamp time.Time
	Tag       string
	Action    string
	Icon      string
	OldValue  string
	NewValue  string
	Mode      string
}

// ControlHeader returns the canonical column set of a control log file.
func ControlHeader() []string {
	return []string{"timestamp", "tag", "action", "icon", "old_value", "new_value", "mode"}
}

func (e ControlEntry) fields() []string {
	return []string{
		e.Timestamp.Format(TimeLayout),
		e.Tag, e.Action, e.Icon, e.OldValue, e.NewValue, e.Mode,
	}
}

// ChangeAction returns the arrow describing a numeric transition.
func ChangeAction(oldValue, newValue float64) string {
	switch {
	case newValue > oldValue:
		return ActionUp
	case newValue < oldValue:
		return ActionDown
	default:
		return ActionUnchanged
	}
}

// AppendControl writes one control log entry and runs a throttled purge.
// Same skip-on-unavailable policy as metric appends.
func (s *Store) AppendControl(ctx context.Context, machineID string, entry ControlEntry) {
	dir, err := s.MachineDir(machineID)
	if err != nil {
		s.skip(machineID, ControlLogFilename, err)
		return
	}
	path := filepath.Join(dir, ControlLogFilename)

	if err := appendRow(path, ControlHeader(), entry.fields()); err != nil {
		s.skip(machineID, ControlLogFilename, err)
		return
	}

	if err := s.maybePurge(ctx, machineID, ControlLogFilename); err != nil && s.logger != nil {
		s.logger.Printf("purge %s/%s: %v", machineID, ControlLogFilename, err)
	}
}

// ReadControl returns all parseable control entries for a machine in file
// order. A missing file yields an empty slice.
func (s *Store) ReadControl(machineID string) ([]ControlEntry, error) {
	path := filepath.Join(s.root, machineID, ControlLogFilename)
	header, rows, err := readRawRows(path)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]ControlEntry, 0, len(rows))
	for _, row := range rows {
		byName := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(row) {
				byName[name] = row[i]
			}
		}
		ts, err := ParseTimestamp(byName["timestamp"])
		if err != nil {
			continue
		}
		entries = append(entries, ControlEntry{
			Timestamp: ts,
			Tag:       byName["tag"],
			Action:    byName["action"],
			Icon:      byName["icon"],
			OldValue:  byName["old_value"],
			NewValue:  byName["new_value"],
			Mode:      byName["mode"],
		})
	}
	return entries, nil
}
