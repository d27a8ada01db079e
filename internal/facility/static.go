package facility

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var errNotConfigured = errors.New("not configured")

// Static serves listings and telemetry held in memory. It backs headless demos loaded from YAML and
// the component tests.
type Static struct {
	mu          sync.RWMutex
	departments map[string][]Department // key: building|floor
	devices     []staticDevice
	telemetry   []TelemetryRow
	fail        error
}

type staticDevice struct {
	Building string
	Device
}

// StaticFile is the YAML layout accepted by LoadStatic.
type StaticFile struct {
	Buildings []struct {
		Code   string `yaml:"code"`
		Floors []struct {
			Code        string       `yaml:"code"`
			Departments []Department `yaml:"departments"`
		} `yaml:"floors"`
		Devices []Device `yaml:"devices"`
	} `yaml:"buildings"`
	Telemetry []TelemetryRow `yaml:"telemetry"`
}

func NewStatic() *Static {
	return &Static{departments: make(map[string][]Department)}
}

// LoadStaticFile reads a StaticFile from disk.
func LoadStaticFile(path string) (*Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadStatic(f)
}

func LoadStatic(r io.Reader) (*Static, error) {
	var file StaticFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode facility data: %w", err)
	}
	s := NewStatic()
	for _, b := range file.Buildings {
		for _, f := range b.Floors {
			s.SetDepartments(b.Code, f.Code, f.Departments)
		}
		s.AddDevices(b.Code, b.Devices...)
	}
	s.SetTelemetry(file.Telemetry)
	return s, nil
}

func staticKey(building, floor string) string {
	return normalize(building) + "|" + normalize(floor)
}

func (s *Static) SetDepartments(building, floor string, deps []Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departments[staticKey(building, floor)] = append([]Department(nil), deps...)
}

func (s *Static) AddDevices(building string, devices ...Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range devices {
		s.devices = append(s.devices, staticDevice{Building: building, Device: d})
	}
}

func (s *Static) SetTelemetry(rows []TelemetryRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append([]TelemetryRow(nil), rows...)
}

// SetFailure makes every listing fail with ErrBackendUnavailable until cleared with nil.
func (s *Static) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Static) ListDepartments(ctx context.Context, building, floor string) ([]Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, unavailable("list departments", s.fail)
	}
	return append([]Department(nil), s.departments[staticKey(building, floor)]...), nil
}

func (s *Static) ListDevices(ctx context.Context, guids []string, building string) ([]Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, unavailable("list devices", s.fail)
	}
	want := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		want[g] = struct{}{}
	}
	var out []Device
	for _, d := range s.devices {
		if _, ok := want[d.GUID]; ok && SameCode(d.Building, building) {
			out = append(out, d.Device)
		}
	}
	return out, nil
}

func (s *Static) Latest(ctx context.Context) ([]TelemetryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, unavailable("latest telemetry", s.fail)
	}
	return append([]TelemetryRow(nil), s.telemetry...), nil
}
