// Package facility holds the backend-owned spatial metadata the viewer core consumes: department
// listings, device listings and telemetry snapshots.
package facility

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBackendUnavailable wraps any listing failure. Callers take their fallback path on it.
var ErrBackendUnavailable = errors.New("facility: backend unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, op, err)
}

// Department groups the spaces of one floor assigned to a department.
type Department struct {
	Name         string   `json:"department_name" yaml:"name"`
	GUIDs        []string `json:"guids" yaml:"guids"`
	ElementCount int      `json:"element_count" yaml:"element_count"`
	TotalArea    float64  `json:"total_area" yaml:"total_area"`
}

// Device is a piece of equipment installed in a space.
type Device struct {
	GUID       string  `json:"guid" yaml:"guid"`
	DeviceName string  `json:"device_name" yaml:"device_name"`
	ID         string  `json:"id" yaml:"id"`
	CostCenter string  `json:"cost_center,omitempty" yaml:"cost_center"`
	Area       float64 `json:"area,omitempty" yaml:"area"`
}

// Metric names of a telemetry row.
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricParticulate = "particulate_level"
)

// TelemetryRow is the latest reading of one space. A nil metric means the sensor did not report it.
type TelemetryRow struct {
	SpaceGUID        string   `json:"space_guid" yaml:"space_guid"`
	BuildingCode     string   `json:"building_code" yaml:"building_code"`
	Floor            string   `json:"floor" yaml:"floor"`
	Department       string   `json:"department" yaml:"department"`
	DeviceName       string   `json:"device_name" yaml:"device_name"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature"`
	Humidity         *float64 `json:"humidity,omitempty" yaml:"humidity"`
	ParticulateLevel *float64 `json:"particulate_level,omitempty" yaml:"particulate_level"`
}

// Reading returns the value of a metric when the row carries one.
func (r TelemetryRow) Reading(metric string) (float64, bool) {
	var v *float64
	switch metric {
	case MetricTemperature:
		v = r.Temperature
	case MetricHumidity:
		v = r.Humidity
	case MetricParticulate:
		v = r.ParticulateLevel
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

type DepartmentLister interface {
	ListDepartments(ctx context.Context, building, floor string) ([]Department, error)
}

type DeviceLister interface {
	ListDevices(ctx context.Context, guids []string, building string) ([]Device, error)
}

type TelemetrySource interface {
	Latest(ctx context.Context) ([]TelemetryRow, error)
}

// Backend bundles the listings the viewer needs.
type Backend interface {
	DepartmentLister
	DeviceLister
}

// SameCode compares building and floor codes the way users type them.
func SameCode(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FloorGUIDs returns the GUIDs of rows on (building, floor), optionally narrowed to a department.
// An empty department matches every row of the floor.
func FloorGUIDs(rows []TelemetryRow, building, floor, department string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rows {
		if r.SpaceGUID == "" || !SameCode(r.BuildingCode, building) || !SameCode(r.Floor, floor) {
			continue
		}
		if department != "" && !SameCode(r.Department, department) {
			continue
		}
		if _, ok := seen[r.SpaceGUID]; ok {
			continue
		}
		seen[r.SpaceGUID] = struct{}{}
		out = append(out, r.SpaceGUID)
	}
	return out
}

// DepartmentGUIDs flattens a listing, optionally narrowed to one department.
func DepartmentGUIDs(deps []Department, department string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, d := range deps {
		if department != "" && !SameCode(d.Name, department) {
			continue
		}
		for _, g := range d.GUIDs {
			if g == "" {
				continue
			}
			if _, ok := seen[g]; ok {
				continue
			}
			seen[g] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

func Float(v float64) *float64 { return &v }

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
