package device

import "fmt"

// Well-known tag names the poller depends on.
const (
	TagCapacity      = "Status.ColorSort.Sort1.Throughput.KgPerHour.Current"
	TagObjectsPerMin = "Status.ColorSort.Sort1.Throughput.ObjectPerMin.Current"
	TagObjects60M    = "Status.ColorSort.Sort1.Throughput.ObjectPerMin.60M"
	TagPresetNumber  = "Status.Info.PresetNumber"
	TagPresetName    = "Status.Info.PresetName"
	TagSerial        = "Status.Info.Serial"
	TagType          = "Status.Info.Type"
	TagAlive         = "Alive"
	TagGlobalFault   = "Status.Faults.GlobalFault"
	TagGlobalWarning = "Status.Faults.GlobalWarning"
	TagAirPressure   = "Status.Environmental.AirPressurePsi"
)

// CounterCount is the number of per-category defect counters on a sorter.
const CounterCount = 12

// CounterRateTag returns the tag name carrying the rate of defect counter i (1-based).
func CounterRateTag(i int) string {
	return fmt.Sprintf("Status.ColorSort.Sort1.DefectCount%d.Rate.60M", i)
}

// FeederRunningTag returns the running flag tag for feeder i (1-based, 1..4).
func FeederRunningTag(i int) string {
	return fmt.Sprintf("Status.Feeders.%dIsRunning", i)
}

// FeederRateTag returns the rate tag for feeder i (1-based, 1..4).
func FeederRateTag(i int) string {
	return fmt.Sprintf("Status.Feeders.%dRate", i)
}

// SensitivityNameTag returns the display name tag of primary sensitivity i.
func SensitivityNameTag(i int) string {
	return fmt.Sprintf("Settings.ColorSort.Primary%d.Name", i)
}

// SensitivityActiveTag returns the activation tag of primary sensitivity i.
func SensitivityActiveTag(i int) string {
	return fmt.Sprintf("Settings.ColorSort.Primary%d.IsActive", i)
}

// SensitivityAssignedTag returns the assignment tag of primary sensitivity i.
func SensitivityAssignedTag(i int) string {
	return fmt.Sprintf("Settings.ColorSort.Primary%d.IsAssigned", i)
}

// Catalog maps symbolic tag names to protocol node addresses. The mapping is
// static configuration; connect-time discovery resolves against it instead of
// browsing the whole server.
type Catalog struct {
	nodes map[string]string
	fast  map[string]bool
}

// DefaultCatalog returns the fixed catalog for Enpresor-class sorters.
// Node ids follow the device convention ns=2;s=<tag name>.
func DefaultCatalog() *Catalog {
	names := []string{
		TagSerial,
		TagType,
		TagPresetNumber,
		TagPresetName,
		TagAlive,
		TagCapacity,
		TagObjectsPerMin,
		TagObjects60M,
		TagGlobalFault,
		TagGlobalWarning,
		TagAirPressure,
		"Status.Production.Accepts",
		"Status.Production.Rejects",
		"Status.Production.Weight",
		"Status.Production.Count",
		"Status.Production.Units",
		"Settings.ColorSort.TestWeightValue",
		"Settings.ColorSort.TestWeightCount",
		"Diagnostic.Counter",
	}
	for i := 1; i <= 4; i++ {
		names = append(names, FeederRunningTag(i), FeederRateTag(i))
	}
	for i := 1; i <= CounterCount; i++ {
		names = append(names,
			CounterRateTag(i),
			SensitivityNameTag(i),
			SensitivityActiveTag(i),
			SensitivityAssignedTag(i),
		)
	}

	nodes := make(map[string]string, len(names))
	for _, name := range names {
		nodes[name] = "ns=2;s=" + name
	}

	fast := map[string]bool{
		TagSerial:        true,
		TagType:          true,
		TagPresetNumber:  true,
		TagPresetName:    true,
		TagAlive:         true,
		TagCapacity:      true,
		TagObjectsPerMin: true,
		TagObjects60M:    true,
		TagGlobalFault:   true,
		TagGlobalWarning: true,
		"Settings.ColorSort.TestWeightValue": true,
		"Settings.ColorSort.TestWeightCount": true,
		"Diagnostic.Counter":                 true,
	}
	for i := 1; i <= 4; i++ {
		fast[FeederRunningTag(i)] = true
		fast[FeederRateTag(i)] = true
	}
	for i := 1; i <= CounterCount; i++ {
		fast[CounterRateTag(i)] = true
		fast[SensitivityNameTag(i)] = true
		fast[SensitivityActiveTag(i)] = true
		fast[SensitivityAssignedTag(i)] = true
	}

	return &Catalog{nodes: nodes, fast: fast}
}

// NodeID returns the node address for a tag name.
func (c *Catalog) NodeID(name string) (string, bool) {
	id, ok := c.nodes[name]
	return id, ok
}

// FastTags returns the name→node mapping of the subset read every cycle.
// Connecting against this subset instead of browsing keeps reconnect latency
// bounded by a few dozen reads.
func (c *Catalog) FastTags() map[string]string {
	out := make(map[string]string, len(c.fast))
	for name := range c.fast {
		if id, ok := c.nodes[name]; ok {
			out[name] = id
		}
	}
	return out
}

// AllTags returns the full name→node mapping.
func (c *Catalog) AllTags() map[string]string {
	out := make(map[string]string, len(c.nodes))
	for name, id := range c.nodes {
		out[name] = id
	}
	return out
}

// IsFast reports whether a tag belongs to the per-cycle read subset.
func (c *Catalog) IsFast(name string) bool { return c.fast[name] }
