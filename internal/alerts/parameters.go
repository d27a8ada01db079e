package alerts

import (
	"fmt"
	"sort"
	"strings"

	"facility_viewer/core-go/internal/facility"
)

const (
	ParamTemperature = "temperatura"
	ParamHumidity    = "humitat"
	ParamParticulate = "particules"
)

var allParameters = []string{
	ParamTemperature,
	ParamHumidity,
	ParamParticulate,
}

// aliases accepted from API clients and config files.
var parameterAliases = map[string]string{
	"temperature": ParamTemperature,
	"temp":        ParamTemperature,
	"humidity":    ParamHumidity,
	"humedad":     ParamHumidity,
	"particulate": ParamParticulate,
	"particles":   ParamParticulate,
	"pm":          ParamParticulate,
	"pm2.5":       ParamParticulate,
}

// Parameter describes one monitored quantity and its comfort band.
type Parameter struct {
	Name   string `json:"name" yaml:"name"`
	Metric string `json:"metric" yaml:"metric"`
	Unit   string `json:"unit" yaml:"unit"`
	Band   Band   `json:"band" yaml:"band"`
}

// DefaultParameters returns the built-in comfort bands.
func DefaultParameters() []Parameter {
	return []Parameter{
		{Name: ParamTemperature, Metric: facility.MetricTemperature, Unit: "°C", Band: Band{Min: 19, Max: 24}},
		{Name: ParamHumidity, Metric: facility.MetricHumidity, Unit: "%", Band: Band{Min: 40, Max: 60}},
		{Name: ParamParticulate, Metric: facility.MetricParticulate, Unit: "µg/m³", Band: Band{Min: 0, Max: 25}},
	}
}

func AllParameters() []string {
	out := make([]string, len(allParameters))
	copy(out, allParameters)
	return out
}

func NormalizeParameter(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := parameterAliases[name]; ok {
		return canonical
	}
	return name
}

func IsValidParameter(name string) bool {
	name = NormalizeParameter(name)
	for _, p := range allParameters {
		if p == name {
			return true
		}
	}
	return false
}

// Taxonomy is the set of parameters alerts can be computed for.
type Taxonomy struct {
	byName map[string]Parameter
}

// NewTaxonomy starts from the defaults and applies overrides by name. Overrides may only retune the
// band or unit of a known parameter.
func NewTaxonomy(overrides ...Parameter) (*Taxonomy, error) {
	t := &Taxonomy{byName: make(map[string]Parameter)}
	for _, p := range DefaultParameters() {
		t.byName[p.Name] = p
	}
	for _, o := range overrides {
		name := NormalizeParameter(o.Name)
		base, ok := t.byName[name]
		if !ok {
			return nil, fmt.Errorf("alerts: unknown parameter %q", o.Name)
		}
		if o.Unit != "" {
			base.Unit = o.Unit
		}
		if o.Band != (Band{}) {
			base.Band = o.Band
		}
		t.byName[name] = base
	}
	return t, nil
}

func (t *Taxonomy) Lookup(name string) (Parameter, bool) {
	p, ok := t.byName[NormalizeParameter(name)]
	return p, ok
}

// Parameters lists known parameters by name.
func (t *Taxonomy) Parameters() []Parameter {
	out := make([]Parameter, 0, len(t.byName))
	for _, p := range t.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
