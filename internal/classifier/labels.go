package classifier

import (
	"github.com/civiceye/civic-eye-api/internal/model"
)

// Label is one model output class and the department that handles it.
type Label struct {
	Name       string `json:"name" mapstructure:"name"`
	Department string `json:"department" mapstructure:"department"`
}

// LabelTable is ordered: entry i names output i of the network.
type LabelTable []Label

// DefaultLabels is the class order the civic issue model was trained with.
var DefaultLabels = LabelTable{
	{Name: "garbage_images", Department: "Department of sanitation"},
	{Name: "potholes_images", Department: "Department of Road and transport"},
	{Name: "sewage_drainage_images", Department: "Department of sewage and drainage"},
	{Name: "street_light_images", Department: "Department of street light"},
}

// NewLabelTable checks that every label is named, unique and mapped to a
// department.
func NewLabelTable(labels []Label) (LabelTable, error) {
	if len(labels) == 0 {
		return nil, model.ConfigError("label table is empty")
	}
	seen := make(map[string]bool, len(labels))
	for i, l := range labels {
		if l.Name == "" {
			return nil, model.ConfigError("label %d has no name", i)
		}
		if seen[l.Name] {
			return nil, model.ConfigError("label %q is listed twice", l.Name)
		}
		if l.Department == "" {
			return nil, model.ConfigError("label %q has no department", l.Name)
		}
		seen[l.Name] = true
	}
	table := make(LabelTable, len(labels))
	copy(table, labels)
	return table, nil
}

func (t LabelTable) Names() []string {
	names := make([]string, len(t))
	for i, l := range t {
		names[i] = l.Name
	}
	return names
}

func (t LabelTable) Departments() map[string]string {
	m := make(map[string]string, len(t))
	for _, l := range t {
		m[l.Name] = l.Department
	}
	return m
}
