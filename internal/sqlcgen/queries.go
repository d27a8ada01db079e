package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const listDepartmentsByFloor = `-- name: ListDepartmentsByFloor :many
SELECT s.building_code,
       s.floor,
       s.department,
       array_agg(s.space_guid ORDER BY s.space_guid)::text[] AS space_guids,
       count(*) AS element_count,
       COALESCE(sum(s.area), 0)::double precision AS total_area
FROM spaces s
WHERE s.building_code = $1
  AND s.floor = $2
  AND s.department IS NOT NULL
GROUP BY s.building_code, s.floor, s.department
ORDER BY s.department ASC
`

func (q *Queries) ListDepartmentsByFloor(ctx context.Context, buildingCode, floor string) ([]Department, error) {
	rows, err := q.db.Query(ctx, listDepartmentsByFloor, buildingCode, floor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Department
	for rows.Next() {
		var i Department
		if err := rows.Scan(&i.BuildingCode, &i.Floor, &i.Name, &i.SpaceGUIDs, &i.ElementCount, &i.TotalArea); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listDevicesByGUIDs = `-- name: ListDevicesByGUIDs :many
SELECT d.id::text,
       d.space_guid,
       d.building_code,
       d.device_name,
       d.cost_center,
       d.area
FROM devices d
WHERE d.building_code = $1
  AND d.space_guid = ANY($2::text[])
ORDER BY d.space_guid ASC, d.device_name ASC
`

func (q *Queries) ListDevicesByGUIDs(ctx context.Context, buildingCode string, guids []string) ([]Device, error) {
	rows, err := q.db.Query(ctx, listDevicesByGUIDs, buildingCode, guids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Device
	for rows.Next() {
		var i Device
		if err := rows.Scan(&i.ID, &i.SpaceGUID, &i.BuildingCode, &i.DeviceName, &i.CostCenter, &i.Area); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listLatestTelemetry = `-- name: ListLatestTelemetry :many
SELECT DISTINCT ON (t.space_guid)
       t.space_guid,
       t.building_code,
       t.floor,
       t.department,
       t.device_name,
       t.temperature,
       t.humidity,
       t.particulate_level,
       t.observed_at
FROM telemetry_readings t
ORDER BY t.space_guid ASC, t.observed_at DESC
`

func (q *Queries) ListLatestTelemetry(ctx context.Context) ([]TelemetryReading, error) {
	rows, err := q.db.Query(ctx, listLatestTelemetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []TelemetryReading
	for rows.Next() {
		var i TelemetryReading
		if err := rows.Scan(
			&i.SpaceGUID,
			&i.BuildingCode,
			&i.Floor,
			&i.Department,
			&i.DeviceName,
			&i.Temperature,
			&i.Humidity,
			&i.ParticulateLevel,
			&i.ObservedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertTelemetryReading = `-- name: InsertTelemetryReading :exec
INSERT INTO telemetry_readings (
  space_guid,
  building_code,
  floor,
  department,
  device_name,
  temperature,
  humidity,
  particulate_level,
  observed_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
`

type InsertTelemetryReadingParams struct {
	SpaceGUID        string
	BuildingCode     string
	Floor            string
	Department       *string
	DeviceName       *string
	Temperature      *float64
	Humidity         *float64
	ParticulateLevel *float64
	ObservedAt       *time.Time
}

// InsertTelemetryReading stores one snapshot row; the SNMP poller uses it to keep history.
func (q *Queries) InsertTelemetryReading(ctx context.Context, arg InsertTelemetryReadingParams) error {
	_, err := q.db.Exec(ctx, insertTelemetryReading,
		arg.SpaceGUID,
		arg.BuildingCode,
		arg.Floor,
		arg.Department,
		arg.DeviceName,
		arg.Temperature,
		arg.Humidity,
		arg.ParticulateLevel,
		arg.ObservedAt,
	)
	return err
}
