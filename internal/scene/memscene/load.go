package memscene

import (
	"fmt"
	"io"
	"os"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"facility_viewer/core-go/internal/scene"
)

// File is the on-disk scene description.
type File struct {
	Models []ModelSpec `yaml:"models"`
}

type ModelSpec struct {
	ID       string        `yaml:"id"`
	Elements []ElementSpec `yaml:"elements"`
}

type ElementSpec struct {
	ID         int64          `yaml:"id"`
	Category   string         `yaml:"category"`
	Attributes map[string]any `yaml:"attributes"`
	Min        []float64      `yaml:"min"`
	Max        []float64      `yaml:"max"`
}

// LoadFile reads a YAML scene from disk.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML scene.
func Load(r io.Reader) (*File, error) {
	var out File
	if err := yaml.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	for i, m := range out.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("scene model %d: missing id", i)
		}
		for _, el := range m.Elements {
			if len(el.Min) != 3 || len(el.Max) != 3 {
				return nil, fmt.Errorf("scene model %s element %d: min/max need 3 coordinates", m.ID, el.ID)
			}
		}
	}
	return &out, nil
}

// Apply loads every model of f into e.
func (f *File) Apply(e *Engine) {
	for _, m := range f.Models {
		elements := make([]Element, 0, len(m.Elements))
		for _, el := range m.Elements {
			elements = append(elements, Element{
				ID:         scene.LocalID(el.ID),
				Category:   el.Category,
				Attributes: scene.Attributes(el.Attributes),
				Box: scene.Box{
					Min: mgl64.Vec3{el.Min[0], el.Min[1], el.Min[2]},
					Max: mgl64.Vec3{el.Max[0], el.Max[1], el.Max[2]},
				},
			})
		}
		e.LoadModel(scene.ModelID(m.ID), elements)
	}
}
