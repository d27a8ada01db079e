// Package snmp reads room sensors over SNMP and reports them as telemetry rows.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"facility_viewer/core-go/internal/facility"
)

// Config holds the agent defaults. Sensors may override community and port.
type Config struct {
	Community string        `yaml:"community"`
	Version   string        `yaml:"version"` // "2c" (default) | "1"
	Port      uint16        `yaml:"port"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	Workers   int           `yaml:"workers"`
}

// Metric maps one telemetry metric to an OID. The raw value is multiplied by Scale; 0 means 1.
type Metric struct {
	OID   string  `yaml:"oid"`
	Scale float64 `yaml:"scale"`
}

// Sensor is one SNMP agent reporting the conditions of a single space.
type Sensor struct {
	GUID       string            `yaml:"guid"`
	Building   string            `yaml:"building"`
	Floor      string            `yaml:"floor"`
	Department string            `yaml:"department"`
	DeviceName string            `yaml:"device_name"`
	Address    string            `yaml:"address"`
	Port       uint16            `yaml:"port"`
	Community  string            `yaml:"community"`
	Metrics    map[string]Metric `yaml:"metrics"` // keyed by facility.Metric*
}

func (s Sensor) validate() error {
	if strings.TrimSpace(s.GUID) == "" {
		return errors.New("guid is required")
	}
	if strings.TrimSpace(s.Address) == "" {
		return errors.New("address is required")
	}
	if len(s.Metrics) == 0 {
		return errors.New("at least one metric is required")
	}
	for name, m := range s.Metrics {
		switch name {
		case facility.MetricTemperature, facility.MetricHumidity, facility.MetricParticulate:
		default:
			return fmt.Errorf("unknown metric %q", name)
		}
		if strings.TrimSpace(m.OID) == "" {
			return fmt.Errorf("metric %q: oid is required", name)
		}
	}
	return nil
}

// getFunc fetches the listed OIDs from one sensor.
type getFunc func(ctx context.Context, sensor Sensor, oids []string) ([]gosnmp.SnmpPDU, error)

// Source is a facility.TelemetrySource backed by SNMP agents.
type Source struct {
	log     zerolog.Logger
	cfg     Config
	sensors []Sensor
	get     getFunc
}

// NewSource validates the sensors and applies defaults to cfg.
func NewSource(log zerolog.Logger, cfg Config, sensors []Sensor) (*Source, error) {
	if strings.TrimSpace(cfg.Community) == "" {
		cfg.Community = "public"
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "2c"
	}
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if _, err := snmpVersion(cfg.Version); err != nil {
		return nil, err
	}
	for i, s := range sensors {
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("snmp sensor %d (%s): %w", i, s.GUID, err)
		}
	}

	src := &Source{
		log:     log.With().Str("component", "snmp").Logger(),
		cfg:     cfg,
		sensors: sensors,
	}
	src.get = src.query
	return src, nil
}

func snmpVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "2c", "v2c", "":
		return gosnmp.Version2c, nil
	case "1", "v1":
		return gosnmp.Version1, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", v)
	}
}

func (s *Source) connect(ctx context.Context, sensor Sensor) (*gosnmp.GoSNMP, error) {
	version, err := snmpVersion(s.cfg.Version)
	if err != nil {
		return nil, err
	}
	community := s.cfg.Community
	if strings.TrimSpace(sensor.Community) != "" {
		community = sensor.Community
	}
	port := s.cfg.Port
	if sensor.Port != 0 {
		port = sensor.Port
	}

	g := &gosnmp.GoSNMP{
		Target:    sensor.Address,
		Port:      port,
		Community: community,
		Version:   version,
		Timeout:   s.cfg.Timeout,
		Retries:   s.cfg.Retries,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Source) query(ctx context.Context, sensor Sensor, oids []string) ([]gosnmp.SnmpPDU, error) {
	g, err := s.connect(ctx, sensor)
	if err != nil {
		return nil, err
	}
	defer g.Conn.Close()

	pkt, err := g.Get(oids)
	if err != nil {
		return nil, err
	}
	return pkt.Variables, nil
}

// Latest reads every sensor. Sensors that fail are skipped and logged; the call only fails when no
// sensor answered.
func (s *Source) Latest(ctx context.Context) ([]facility.TelemetryRow, error) {
	if s == nil || len(s.sensors) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		rows   = make([]facility.TelemetryRow, 0, len(s.sensors))
		failed []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, sensor := range s.sensors {
		sensor := sensor
		g.Go(func() error {
			row, err := s.read(gctx, sensor)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Str("guid", sensor.GUID).Str("address", sensor.Address).Msg("snmp sensor read failed")
				failed = append(failed, fmt.Errorf("%s: %w", sensor.GUID, err))
				return nil
			}
			rows = append(rows, row)
			return nil
		})
	}
	_ = g.Wait()

	if len(rows) == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("%w: snmp: %v", facility.ErrBackendUnavailable, errors.Join(failed...))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SpaceGUID < rows[j].SpaceGUID })
	return rows, nil
}

func (s *Source) read(ctx context.Context, sensor Sensor) (facility.TelemetryRow, error) {
	byOID := make(map[string]string, len(sensor.Metrics))
	oids := make([]string, 0, len(sensor.Metrics))
	for name, m := range sensor.Metrics {
		oid := normalizeOID(m.OID)
		byOID[oid] = name
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	pdus, err := s.get(ctx, sensor, oids)
	if err != nil {
		return facility.TelemetryRow{}, err
	}

	row := facility.TelemetryRow{
		SpaceGUID:    sensor.GUID,
		BuildingCode: sensor.Building,
		Floor:        sensor.Floor,
		Department:   sensor.Department,
		DeviceName:   sensor.DeviceName,
	}
	for _, pdu := range pdus {
		name, ok := byOID[normalizeOID(pdu.Name)]
		if !ok {
			continue
		}
		v, ok := pduFloat(pdu)
		if !ok {
			continue
		}
		if scale := sensor.Metrics[name].Scale; scale != 0 {
			v *= scale
		}
		switch name {
		case facility.MetricTemperature:
			row.Temperature = facility.Float(v)
		case facility.MetricHumidity:
			row.Humidity = facility.Float(v)
		case facility.MetricParticulate:
			row.ParticulateLevel = facility.Float(v)
		}
	}
	return row, nil
}

func normalizeOID(oid string) string {
	return strings.TrimPrefix(strings.TrimSpace(oid), ".")
}

// pduFloat decodes numeric varbinds. Agents that publish readings as DisplayString are accepted too.
func pduFloat(pdu gosnmp.SnmpPDU) (float64, bool) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return 0, false
	}

	var v float64
	switch x := pdu.Value.(type) {
	case int:
		v = float64(x)
	case int32:
		v = float64(x)
	case int64:
		v = float64(x)
	case uint:
		v = float64(x)
	case uint32:
		v = float64(x)
	case uint64:
		v = float64(x)
	case float32:
		v = float64(x)
	case float64:
		v = x
	case string:
		return parseFloat(x)
	case []byte:
		return parseFloat(string(x))
	default:
		return 0, false
	}
	return v, !math.IsNaN(v) && !math.IsInf(v, 0)
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
