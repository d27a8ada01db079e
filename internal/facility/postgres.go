package facility

import (
	"context"
	"strings"

	"facility_viewer/core-go/internal/sqlcgen"
)

// Postgres serves listings and telemetry from the facility database.
type Postgres struct {
	q *sqlcgen.Queries
}

func NewPostgres(q *sqlcgen.Queries) *Postgres {
	return &Postgres{q: q}
}

func (p *Postgres) ListDepartments(ctx context.Context, building, floor string) ([]Department, error) {
	if p == nil || p.q == nil {
		return nil, unavailable("list departments", errNotConfigured)
	}
	rows, err := p.q.ListDepartmentsByFloor(ctx, strings.TrimSpace(building), strings.TrimSpace(floor))
	if err != nil {
		return nil, unavailable("list departments", err)
	}
	out := make([]Department, 0, len(rows))
	for _, r := range rows {
		out = append(out, Department{
			Name:         r.Name,
			GUIDs:        r.SpaceGUIDs,
			ElementCount: int(r.ElementCount),
			TotalArea:    r.TotalArea,
		})
	}
	return out, nil
}

func (p *Postgres) ListDevices(ctx context.Context, guids []string, building string) ([]Device, error) {
	if p == nil || p.q == nil {
		return nil, unavailable("list devices", errNotConfigured)
	}
	if len(guids) == 0 {
		return nil, nil
	}
	rows, err := p.q.ListDevicesByGUIDs(ctx, strings.TrimSpace(building), guids)
	if err != nil {
		return nil, unavailable("list devices", err)
	}
	out := make([]Device, 0, len(rows))
	for _, r := range rows {
		d := Device{GUID: r.SpaceGUID, DeviceName: r.DeviceName, ID: r.ID}
		if r.CostCenter != nil {
			d.CostCenter = *r.CostCenter
		}
		if r.Area != nil {
			d.Area = *r.Area
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Postgres) Latest(ctx context.Context) ([]TelemetryRow, error) {
	if p == nil || p.q == nil {
		return nil, unavailable("latest telemetry", errNotConfigured)
	}
	rows, err := p.q.ListLatestTelemetry(ctx)
	if err != nil {
		return nil, unavailable("latest telemetry", err)
	}
	out := make([]TelemetryRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, TelemetryRow{
			SpaceGUID:        r.SpaceGUID,
			BuildingCode:     r.BuildingCode,
			Floor:            r.Floor,
			Department:       deref(r.Department),
			DeviceName:       deref(r.DeviceName),
			Temperature:      r.Temperature,
			Humidity:         r.Humidity,
			ParticulateLevel: r.ParticulateLevel,
		})
	}
	return out, nil
}

// Record stores a snapshot so Latest serves it back.
func (p *Postgres) Record(ctx context.Context, rows []TelemetryRow) error {
	if p == nil || p.q == nil {
		return unavailable("record telemetry", errNotConfigured)
	}
	for _, r := range rows {
		err := p.q.InsertTelemetryReading(ctx, sqlcgen.InsertTelemetryReadingParams{
			SpaceGUID:        r.SpaceGUID,
			BuildingCode:     r.BuildingCode,
			Floor:            r.Floor,
			Department:       optional(r.Department),
			DeviceName:       optional(r.DeviceName),
			Temperature:      r.Temperature,
			Humidity:         r.Humidity,
			ParticulateLevel: r.ParticulateLevel,
		})
		if err != nil {
			return unavailable("record telemetry", err)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
