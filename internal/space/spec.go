// Package space validates experiment search spaces and maps points between
// parameter assignments and the unit hypercube the engines work in.
package space

// ParameterType selects the ParameterSpec variant.
type ParameterType string

const (
	TypeRange  ParameterType = "range"
	TypeChoice ParameterType = "choice"
	TypeFixed  ParameterType = "fixed"
)

// Value types accepted for range parameters.
const (
	ValueTypeFloat = "float"
	ValueTypeInt   = "int"
)

// DefaultObjective is used when an ExperimentSpec leaves ObjectiveName empty.
const DefaultObjective = "score"

// ParameterSpec declares one dimension of the search space.
//
// Which fields apply depends on Type:
//   - range:  Bounds (two numbers, lower < upper), LogScale, ValueType
//   - choice: Values (non-empty, may mix primitive types)
//   - fixed:  Value
type ParameterSpec struct {
	Name      string        `json:"name" yaml:"name"`
	Type      ParameterType `json:"type" yaml:"type"`
	Bounds    []Value       `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Values    []Value       `json:"values,omitempty" yaml:"values,omitempty"`
	Value     Value         `json:"value,omitzero" yaml:"value,omitempty"`
	LogScale  bool          `json:"log_scale,omitempty" yaml:"log_scale,omitempty"`
	ValueType string        `json:"value_type,omitempty" yaml:"value_type,omitempty"`
}

// ExperimentSpec describes an experiment. Name doubles as the experiment
// identifier. The spec is immutable once an experiment is created from it.
type ExperimentSpec struct {
	Name                 string          `json:"name" yaml:"name"`
	Parameters           []ParameterSpec `json:"parameters" yaml:"parameters"`
	ObjectiveName        string          `json:"objective_name" yaml:"objective_name"`
	Minimize             bool            `json:"minimize" yaml:"minimize"`
	ParameterConstraints []string        `json:"parameter_constraints,omitempty" yaml:"parameter_constraints,omitempty"`
}

// Clone returns a deep copy of s.
func (s ExperimentSpec) Clone() ExperimentSpec {
	out := s
	out.Parameters = make([]ParameterSpec, len(s.Parameters))
	for i, p := range s.Parameters {
		p.Bounds = append([]Value(nil), p.Bounds...)
		p.Values = append([]Value(nil), p.Values...)
		out.Parameters[i] = p
	}
	out.ParameterConstraints = append([]string(nil), s.ParameterConstraints...)
	return out
}
