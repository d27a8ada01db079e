package sqlcgen

import "time"

type Department struct {
	BuildingCode string
	Floor        string
	Name         string
	SpaceGUIDs   []string
	ElementCount int64
	TotalArea    float64
}

type Device struct {
	ID           string
	SpaceGUID    string
	BuildingCode string
	DeviceName   string
	CostCenter   *string
	Area         *float64
}

type TelemetryReading struct {
	SpaceGUID        string
	BuildingCode     string
	Floor            string
	Department       *string
	DeviceName       *string
	Temperature      *float64
	Humidity         *float64
	ParticulateLevel *float64
	ObservedAt       time.Time
}
