package alerts

import (
	"math"
	"sort"
	"strings"

	"facility_viewer/core-go/internal/facility"
)

type Severity string

const (
	SeverityOK     Severity = "ok"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Tier thresholds on the deviation ratio. Comparisons are strict: a ratio of exactly 0.20 is medium.
const (
	HighRatio   = 0.20
	MediumRatio = 0.10

	// degenerateRatio stands in for an infinite ratio so records stay JSON encodable.
	degenerateRatio = 1e9
)

// Band is an inclusive comfort range.
type Band struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Severity classifies v against the band and returns the deviation ratio (zero inside the band).
// A band with Max <= Min has no width to normalize by, so any value outside it is high.
func (b Band) Severity(v float64) (Severity, float64) {
	if math.IsNaN(v) {
		return SeverityOK, 0
	}
	if v >= b.Min && v <= b.Max {
		return SeverityOK, 0
	}

	distance := b.Min - v
	if v > b.Max {
		distance = v - b.Max
	}
	width := b.Max - b.Min
	if width <= 0 {
		return SeverityHigh, degenerateRatio
	}

	ratio := distance / width
	switch {
	case ratio > HighRatio:
		return SeverityHigh, ratio
	case ratio > MediumRatio:
		return SeverityMedium, ratio
	default:
		return SeverityOK, ratio
	}
}

// Record is one out-of-band reading.
type Record struct {
	ID             string   `json:"id" msgpack:"id"`
	BuildingCode   string   `json:"building_code" msgpack:"building_code"`
	Floor          string   `json:"floor" msgpack:"floor"`
	Department     string   `json:"department" msgpack:"department"`
	DeviceName     string   `json:"device_name" msgpack:"device_name"`
	Parameter      string   `json:"parameter" msgpack:"parameter"`
	Unit           string   `json:"unit" msgpack:"unit"`
	Value          float64  `json:"value" msgpack:"value"`
	Severity       Severity `json:"severity" msgpack:"severity"`
	DeviationRatio float64  `json:"deviation_ratio" msgpack:"deviation_ratio"`
}

// Generate keeps the rows of building with a spatial GUID and a reading for param, drops the ok
// ones and sorts the rest by severity then deviation ratio, both descending. Ties break on GUID.
func Generate(building string, rows []facility.TelemetryRow, param Parameter) []Record {
	building = strings.TrimSpace(building)
	out := make([]Record, 0)
	for _, r := range rows {
		if r.SpaceGUID == "" || !facility.SameCode(r.BuildingCode, building) {
			continue
		}
		v, ok := r.Reading(param.Metric)
		if !ok {
			continue
		}
		sev, ratio := param.Band.Severity(v)
		if sev == SeverityOK {
			continue
		}
		out = append(out, Record{
			ID:             r.SpaceGUID,
			BuildingCode:   r.BuildingCode,
			Floor:          r.Floor,
			Department:     r.Department,
			DeviceName:     r.DeviceName,
			Parameter:      param.Name,
			Unit:           param.Unit,
			Value:          v,
			Severity:       sev,
			DeviationRatio: ratio,
		})
	}
	Sort(out)
	return out
}

// Sort orders records worst first.
func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.DeviationRatio != b.DeviationRatio {
			return a.DeviationRatio > b.DeviationRatio
		}
		return a.ID < b.ID
	})
}

// GUIDs returns the record ids grouped by severity.
func GUIDs(records []Record) map[Severity][]string {
	out := make(map[Severity][]string, 2)
	for _, r := range records {
		out[r.Severity] = append(out[r.Severity], r.ID)
	}
	return out
}

// Counts tallies records per severity for metrics.
func Counts(records []Record) map[string]int {
	out := map[string]int{string(SeverityHigh): 0, string(SeverityMedium): 0}
	for _, r := range records {
		out[string(r.Severity)]++
	}
	return out
}
