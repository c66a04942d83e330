// Package apihttp exposes the telemetry query interface and machine
// lifecycle operations over HTTP. Handlers render query results; they hold
// no aggregation or acquisition logic of their own.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sorterfleet/internal/acquisition"
	"sorterfleet/internal/metricslog"
	"sorterfleet/internal/poller"
	"sorterfleet/internal/query"
	"sorterfleet/internal/report"
)

const timeLayout = time.RFC3339

// Querier answers read-only telemetry queries.
type Querier interface {
	LoadRecentMetrics(machineID string, hours int) (query.MetricsSeries, error)
	LoadTotals(machineID string, activeCounters [metricslog.CounterCount]bool) (query.Totals, error)
	LoadLabTotals(machineID string, activeCounters [metricslog.CounterCount]bool) (query.Totals, error)
	LoadRecentControlLog(machineID string, hours int) ([]metricslog.ControlEntry, error)
	ConnectionStatus(machineID string) acquisition.Status
}

// Connections opens and closes machine sessions.
type Connections interface {
	Connect(ctx context.Context, machineID, address string) (*acquisition.Session, error)
	Disconnect(ctx context.Context, machineID string)
}

// RetryControl tells the reconnection supervisor about manual intent.
type RetryControl interface {
	MarkManualDisconnect(machineID string)
	ClearManualDisconnect(machineID string)
}

// LabControl manages lab test sessions.
type LabControl interface {
	StartLabSession(machineID string) (string, error)
	ClearMachineData(machineID string) error
}

// LabRouter switches a machine's row routing between the rolling file and
// a lab file.
type LabRouter interface {
	StartLab(machineID, filename string)
	StopLab(machineID string)
	LabFile(machineID string) (string, bool)
}

// TotalsResetter drops cached aggregation state.
type TotalsResetter interface {
	Reset(machineID, filename string)
	ResetMachine(machineID string)
}

// MachinesHandler serves GET /api/v1/machines.
type MachinesHandler struct {
	machines []poller.Machine
	querier  Querier
}

// NewMachinesHandler constructs a MachinesHandler.
func NewMachinesHandler(machines []poller.Machine, querier Querier) *MachinesHandler {
	return &MachinesHandler{machines: machines, querier: querier}
}

type machineStatus struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Demo         bool   `json:"demo"`
	Connected    bool   `json:"connected"`
	LastUpdate   string `json:"last_update,omitempty"`
	FailureCount int    `json:"failure_count"`
}

// ServeHTTP handles GET /api/v1/machines.
func (h *MachinesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.querier == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	out := make([]machineStatus, 0, len(h.machines))
	for _, machine := range h.machines {
		status := h.querier.ConnectionStatus(machine.ID)
		entry := machineStatus{
			ID:           machine.ID,
			Address:      machine.Address,
			Demo:         machine.Demo,
			Connected:    status.Connected,
			FailureCount: status.FailureCount,
		}
		if !status.LastUpdate.IsZero() {
			entry.LastUpdate = status.LastUpdate.Format(timeLayout)
		}
		out = append(out, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// MachineHandler serves everything under /api/v1/machines/{id}/.
type MachineHandler struct {
	machines    map[string]poller.Machine
	querier     Querier
	connections Connections
	retries     RetryControl
	lab         LabControl
	router      LabRouter
	totals      TotalsResetter
}

// NewMachineHandler constructs a MachineHandler.
func NewMachineHandler(machines []poller.Machine, querier Querier, connections Connections, retries RetryControl, lab LabControl, router LabRouter, totals TotalsResetter) (*MachineHandler, error) {
	if querier == nil {
		return nil, errors.New("apihttp: nil querier")
	}
	if connections == nil {
		return nil, errors.New("apihttp: nil connections")
	}
	byID := make(map[string]poller.Machine, len(machines))
	for _, machine := range machines {
		byID[machine.ID] = machine
	}
	return &MachineHandler{
		machines:    byID,
		querier:     querier,
		connections: connections,
		retries:     retries,
		lab:         lab,
		router:      router,
		totals:      totals,
	}, nil
}

// ServeHTTP routes /api/v1/machines/{id}/<op>.
func (h *MachineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/machines/")
	machineID, op, ok := strings.Cut(rest, "/")
	if !ok || machineID == "" {
		http.Error(w, "machine id is required", http.StatusBadRequest)
		return
	}
	machine, known := h.machines[machineID]
	if !known {
		http.Error(w, "unknown machine", http.StatusNotFound)
		return
	}

	switch op {
	case "metrics":
		h.serveMetrics(w, r, machineID)
	case "totals":
		h.serveTotals(w, r, machineID)
	case "controllog":
		h.serveControlLog(w, r, machineID)
	case "report.pdf":
		h.serveReport(w, r, machineID, "pdf")
	case "report.xlsx":
		h.serveReport(w, r, machineID, "xlsx")
	case "connect":
		h.serveConnect(w, r, machine)
	case "disconnect":
		h.serveDisconnect(w, r, machineID)
	case "lab/start":
		h.serveLabStart(w, r, machineID)
	case "lab/stop":
		h.serveLabStop(w, r, machineID)
	case "data":
		h.serveClearData(w, r, machineID)
	default:
		http.NotFound(w, r)
	}
}

type metricsResponse struct {
	Timestamps []string    `json:"timestamps"`
	Capacity   []float64   `json:"capacity"`
	Accepts    []float64   `json:"accepts"`
	Rejects    []float64   `json:"rejects"`
	Objects    []float64   `json:"objects"`
	Running    []int       `json:"running"`
	Stopped    []int       `json:"stopped"`
	Counters   [][]float64 `json:"counters"`
}

func (h *MachineHandler) serveMetrics(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	hours, err := parseHours(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	series, err := h.querier.LoadRecentMetrics(machineID, hours)
	if err != nil {
		http.Error(w, "load metrics error", http.StatusInternalServerError)
		return
	}

	resp := metricsResponse{
		Timestamps: make([]string, 0, len(series.Timestamps)),
		Capacity:   series.Capacity,
		Accepts:    series.Accepts,
		Rejects:    series.Rejects,
		Objects:    series.Objects,
		Running:    series.Running,
		Stopped:    series.Stopped,
		Counters:   make([][]float64, len(series.Counters)),
	}
	for _, ts := range series.Timestamps {
		resp.Timestamps = append(resp.Timestamps, ts.Format(timeLayout))
	}
	for i := range series.Counters {
		resp.Counters[i] = series.Counters[i]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type totalsResponse struct {
	TotalCapacityLbs float64   `json:"total_capacity_lbs"`
	TotalObjects     float64   `json:"total_objects"`
	CounterTotals    []float64 `json:"counter_totals"`
	AverageRate      float64   `json:"average_rate"`
	MinRate          float64   `json:"min_rate"`
	MaxRate          float64   `json:"max_rate"`
	RunTimeMinutes   float64   `json:"run_time_minutes"`
	StopTimeMinutes  float64   `json:"stop_time_minutes"`
	LastCounterRates []float64 `json:"last_counter_rates"`
}

func (h *MachineHandler) serveTotals(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	active, err := parseActiveCounters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var totals query.Totals
	if r.URL.Query().Get("source") == "lab" {
		totals, err = h.querier.LoadLabTotals(machineID, active)
	} else {
		totals, err = h.querier.LoadTotals(machineID, active)
	}
	if err != nil {
		http.Error(w, "load totals error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(totalsResponse{
		TotalCapacityLbs: totals.TotalCapacityLbs,
		TotalObjects:     totals.TotalObjects,
		CounterTotals:    totals.CounterTotals[:],
		AverageRate:      totals.AverageRate,
		MinRate:          totals.MinRate,
		MaxRate:          totals.MaxRate,
		RunTimeMinutes:   totals.RunTimeMinutes,
		StopTimeMinutes:  totals.StopTimeMinutes,
		LastCounterRates: totals.LastCounterRates[:],
	})
}

type controlEntryResponse struct {
	Timestamp string `json:"timestamp"`
	Tag       string `json:"tag"`
	Action    string `json:"action"`
	OldValue  string `json:"old_value"`
	NewValue  string `json:"new_value"`
	Mode      string `json:"mode,omitempty"`
}

func (h *MachineHandler) serveControlLog(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	hours, err := parseHours(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := h.querier.LoadRecentControlLog(machineID, hours)
	if err != nil {
		http.Error(w, "load control log error", http.StatusInternalServerError)
		return
	}

	out := make([]controlEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, controlEntryResponse{
			Timestamp: entry.Timestamp.Format(timeLayout),
			Tag:       entry.Tag,
			Action:    entry.Action,
			OldValue:  entry.OldValue,
			NewValue:  entry.NewValue,
			Mode:      entry.Mode,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *MachineHandler) serveReport(w http.ResponseWriter, r *http.Request, machineID, format string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	active, err := parseActiveCounters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	totals, err := h.querier.LoadTotals(machineID, active)
	if err != nil {
		http.Error(w, "load totals error", http.StatusInternalServerError)
		return
	}
	controlLog, err := h.querier.LoadRecentControlLog(machineID, 24)
	if err != nil {
		http.Error(w, "load control log error", http.StatusInternalServerError)
		return
	}
	status := h.querier.ConnectionStatus(machineID)

	sum := report.Summary{
		MachineID:   machineID,
		GeneratedAt: time.Now(),
		Connected:   status.Connected,
		Totals:      totals,
		ControlLog:  controlLog,
	}

	var data []byte
	var contentType string
	switch format {
	case "pdf":
		data, err = report.BuildPDF(sum)
		contentType = "application/pdf"
	case "xlsx":
		data, err = report.BuildXLSX(sum)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		http.Error(w, "build report error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+machineID+"_report."+format+"\"")
	_, _ = w.Write(data)
}

func (h *MachineHandler) serveConnect(w http.ResponseWriter, r *http.Request, machine poller.Machine) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.retries != nil {
		h.retries.ClearManualDisconnect(machine.ID)
	}
	if _, err := h.connections.Connect(r.Context(), machine.ID, machine.Address); err != nil {
		if errors.Is(err, acquisition.ErrAlreadyConnected) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "connect error: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MachineHandler) serveDisconnect(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.retries != nil {
		h.retries.MarkManualDisconnect(machineID)
	}
	h.connections.Disconnect(r.Context(), machineID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *MachineHandler) serveLabStart(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.lab == nil || h.router == nil {
		http.Error(w, "lab sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	filename, err := h.lab.StartLabSession(machineID)
	if err != nil {
		http.Error(w, "start lab session error", http.StatusInternalServerError)
		return
	}
	if h.totals != nil {
		// A restarted session reuses the filename when started within the
		// same second; stale fold state must not leak into the new test.
		h.totals.Reset(machineID, filename)
	}
	h.router.StartLab(machineID, filename)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"file": filename})
}

func (h *MachineHandler) serveLabStop(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.router == nil {
		http.Error(w, "lab sessions unavailable", http.StatusServiceUnavailable)
		return
	}
	h.router.StopLab(machineID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *MachineHandler) serveClearData(w http.ResponseWriter, r *http.Request, machineID string) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.lab == nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.lab.ClearMachineData(machineID); err != nil {
		http.Error(w, "clear data error", http.StatusInternalServerError)
		return
	}
	if h.totals != nil {
		h.totals.ResetMachine(machineID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseHours(r *http.Request) (int, error) {
	value := r.URL.Query().Get("hours")
	if value == "" {
		return 24, nil
	}
	hours, err := strconv.Atoi(value)
	if err != nil || hours <= 0 || hours > 24 {
		return 0, errors.New("hours must be between 1 and 24")
	}
	return hours, nil
}

// parseActiveCounters reads the `counters` parameter as a comma separated
// list of 1-based counter numbers. Absent means all active.
func parseActiveCounters(r *http.Request) ([metricslog.CounterCount]bool, error) {
	var active [metricslog.CounterCount]bool
	value := r.URL.Query().Get("counters")
	if value == "" {
		for i := range active {
			active[i] = true
		}
		return active, nil
	}
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > metricslog.CounterCount {
			return active, errors.New("counters must be numbers between 1 and " + strconv.Itoa(metricslog.CounterCount))
		}
		active[n-1] = true
	}
	return active, nil
}
