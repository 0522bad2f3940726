package space

import (
	"math"
	"strings"
)

// Parameter is the normalized form of a ParameterSpec.
type Parameter struct {
	Name     string
	Type     ParameterType
	Lower    float64
	Upper    float64
	LogScale bool
	Integer  bool
	Values   []Value
	Fixed    Value
}

// Discrete reports whether the parameter takes finitely many values.
func (p Parameter) Discrete() bool {
	return p.Type != TypeRange || p.Integer
}

// size returns the number of distinct values of a discrete parameter.
func (p Parameter) size() int {
	switch p.Type {
	case TypeChoice:
		return len(p.Values)
	case TypeFixed:
		return 1
	default:
		if p.Upper-p.Lower >= math.MaxInt32 {
			return math.MaxInt32
		}
		return int(p.Upper-p.Lower) + 1
	}
}

// Space is a validated ExperimentSpec. It is immutable and safe for
// concurrent use.
type Space struct {
	spec        ExperimentSpec
	params      []Parameter
	dims        []int // indices into params that occupy a unit-cube dimension
	constraints []*constraint
}

// Validate checks spec and returns its normalized search space. It has no
// side effects.
func Validate(spec ExperimentSpec) (*Space, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, invalid(KindEmptyName, "", "experiment name cannot be empty")
	}

	spec = spec.Clone()
	if spec.ObjectiveName == "" {
		spec.ObjectiveName = DefaultObjective
	}

	s := &Space{spec: spec}
	seen := make(map[string]bool, len(spec.Parameters))
	for _, ps := range spec.Parameters {
		if ps.Name == "" {
			return nil, invalid(KindEmptyName, "", "parameter name cannot be empty")
		}
		if seen[ps.Name] {
			return nil, invalid(KindDuplicateParameter, ps.Name, "is declared more than once")
		}
		seen[ps.Name] = true

		p, err := normalize(ps)
		if err != nil {
			return nil, err
		}
		if p.Type != TypeFixed {
			s.dims = append(s.dims, len(s.params))
		}
		s.params = append(s.params, p)
	}

	for _, expr := range spec.ParameterConstraints {
		c, err := compileConstraint(expr, s.params)
		if err != nil {
			return nil, err
		}
		s.constraints = append(s.constraints, c)
	}

	return s, nil
}

func normalize(ps ParameterSpec) (Parameter, error) {
	p := Parameter{Name: ps.Name, Type: ps.Type}

	switch ps.Type {
	case TypeRange:
		if len(ps.Bounds) != 2 {
			return p, invalid(KindInvalidBounds, ps.Name, "needs exactly two bounds, got %d", len(ps.Bounds))
		}
		lo, okLo := ps.Bounds[0].Float()
		hi, okHi := ps.Bounds[1].Float()
		if !okLo || !okHi {
			return p, invalid(KindInvalidBounds, ps.Name, "bounds must be numeric")
		}
		if !(lo < hi) {
			return p, invalid(KindInvalidBounds, ps.Name, "lower bound %v must be less than upper bound %v", lo, hi)
		}
		switch ps.ValueType {
		case "", ValueTypeFloat:
		case ValueTypeInt:
			if lo != math.Trunc(lo) || hi != math.Trunc(hi) {
				return p, invalid(KindInvalidBounds, ps.Name, "integer range needs integral bounds")
			}
			p.Integer = true
		default:
			return p, invalid(KindInvalidBounds, ps.Name, "unknown value_type %q", ps.ValueType)
		}
		if ps.LogScale && lo <= 0 {
			return p, invalid(KindInvalidLogScale, ps.Name, "log scale requires a positive lower bound, got %v", lo)
		}
		p.Lower, p.Upper, p.LogScale = lo, hi, ps.LogScale

	case TypeChoice:
		if len(ps.Values) == 0 {
			return p, invalid(KindEmptyChoiceSet, ps.Name, "has no values")
		}
		for i, v := range ps.Values {
			if v.IsZero() {
				return p, invalid(KindInvalidChoiceValue, ps.Name, "value %d is null", i)
			}
			for _, prev := range ps.Values[:i] {
				if prev.Equal(v) {
					return p, invalid(KindInvalidChoiceValue, ps.Name, "value %s is repeated", v)
				}
			}
		}
		p.Values = append([]Value(nil), ps.Values...)

	case TypeFixed:
		if ps.Value.IsZero() {
			return p, invalid(KindMissingFixedValue, ps.Name, "has no value")
		}
		p.Fixed = ps.Value

	default:
		return p, invalid(KindUnknownType, ps.Name, "has unknown type %q", ps.Type)
	}

	return p, nil
}

// Spec returns a copy of the normalized experiment spec.
func (s *Space) Spec() ExperimentSpec { return s.spec.Clone() }

// Name returns the experiment name.
func (s *Space) Name() string { return s.spec.Name }

// Objective returns the objective name.
func (s *Space) Objective() string { return s.spec.ObjectiveName }

// Minimize reports the optimization direction.
func (s *Space) Minimize() bool { return s.spec.Minimize }

// Parameters returns the normalized parameters in declaration order.
func (s *Space) Parameters() []Parameter {
	return append([]Parameter(nil), s.params...)
}

// Dim returns the number of unit-cube dimensions (fixed parameters take none).
func (s *Space) Dim() int { return len(s.dims) }

// Cardinality returns the number of distinct points when every parameter is
// discrete. finite is false when any continuous range is present.
func (s *Space) Cardinality() (n int, finite bool) {
	n = 1
	for _, p := range s.params {
		if !p.Discrete() {
			return 0, false
		}
		size := p.size()
		if n > math.MaxInt32/size {
			return math.MaxInt32, true
		}
		n *= size
	}
	return n, true
}

// Decode maps a point of the unit hypercube to a parameter assignment.
// Coordinates outside [0, 1] are clamped.
func (s *Space) Decode(u []float64) Assignment {
	a := make(Assignment, len(s.params))
	for _, p := range s.params {
		if p.Type == TypeFixed {
			a[p.Name] = p.Fixed
		}
	}
	for d, pi := range s.dims {
		p := s.params[pi]
		t := 0.0
		if d < len(u) {
			t = clamp01(u[d])
		}
		switch p.Type {
		case TypeRange:
			a[p.Name] = Number(p.fromUnit(t))
		case TypeChoice:
			idx := int(t * float64(len(p.Values)))
			if idx >= len(p.Values) {
				idx = len(p.Values) - 1
			}
			a[p.Name] = p.Values[idx]
		}
	}
	return a
}

// Encode maps an assignment back to the unit hypercube. Choice values land in
// the centre of their bucket. a must satisfy Check.
func (s *Space) Encode(a Assignment) ([]float64, error) {
	if err := s.Check(a); err != nil {
		return nil, err
	}
	u := make([]float64, len(s.dims))
	for d, pi := range s.dims {
		p := s.params[pi]
		switch p.Type {
		case TypeRange:
			x, _ := a[p.Name].Float()
			u[d] = p.toUnit(x)
		case TypeChoice:
			for i, v := range p.Values {
				if v.Equal(a[p.Name]) {
					u[d] = (float64(i) + 0.5) / float64(len(p.Values))
					break
				}
			}
		}
	}
	return u, nil
}

// Check validates a parameter assignment against the space: every parameter
// present, no extras, and each value admissible for its parameter.
func (s *Space) Check(a Assignment) error {
	if len(a) != len(s.params) {
		for name := range a {
			if s.lookup(name) < 0 {
				return invalid(KindInvalidAssignment, name, "is not part of the search space")
			}
		}
	}
	for _, p := range s.params {
		v, ok := a[p.Name]
		if !ok || v.IsZero() {
			return invalid(KindInvalidAssignment, p.Name, "is missing")
		}
		switch p.Type {
		case TypeRange:
			x, isNum := v.Float()
			if !isNum {
				return invalid(KindInvalidAssignment, p.Name, "expects a number, got %s", v.Kind())
			}
			if x < p.Lower || x > p.Upper {
				return invalid(KindInvalidAssignment, p.Name, "value %v outside [%v, %v]", x, p.Lower, p.Upper)
			}
			if p.Integer && x != math.Trunc(x) {
				return invalid(KindInvalidAssignment, p.Name, "expects an integer, got %v", x)
			}
		case TypeChoice:
			found := false
			for _, allowed := range p.Values {
				if allowed.Equal(v) {
					found = true
					break
				}
			}
			if !found {
				return invalid(KindInvalidAssignment, p.Name, "value %s is not an allowed choice", v)
			}
		case TypeFixed:
			if !p.Fixed.Equal(v) {
				return invalid(KindInvalidAssignment, p.Name, "must equal %s, got %s", p.Fixed, v)
			}
		}
	}
	return nil
}

// Key returns a canonical string for a, stable across map iteration order.
func (s *Space) Key(a Assignment) string {
	var b strings.Builder
	for _, p := range s.params {
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(a[p.Name].String())
		b.WriteByte(';')
	}
	return b.String()
}

func (s *Space) lookup(name string) int {
	for i, p := range s.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (p Parameter) fromUnit(t float64) float64 {
	var x float64
	if p.LogScale {
		lo, hi := math.Log(p.Lower), math.Log(p.Upper)
		x = math.Exp(lo + t*(hi-lo))
	} else {
		x = p.Lower + t*(p.Upper-p.Lower)
	}
	if p.Integer {
		x = math.Round(x)
	}
	return math.Min(math.Max(x, p.Lower), p.Upper)
}

func (p Parameter) toUnit(x float64) float64 {
	if p.LogScale {
		lo, hi := math.Log(p.Lower), math.Log(p.Upper)
		return clamp01((math.Log(x) - lo) / (hi - lo))
	}
	return clamp01((x - p.Lower) / (p.Upper - p.Lower))
}

func clamp01(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// PointAt returns the k-th point of a finite space, counting in mixed radix
// with the last parameter varying fastest. k must be below Cardinality.
func (s *Space) PointAt(k int) Assignment {
	a := make(Assignment, len(s.params))
	for i := len(s.params) - 1; i >= 0; i-- {
		p := s.params[i]
		size := p.size()
		digit := k % size
		k /= size
		switch p.Type {
		case TypeFixed:
			a[p.Name] = p.Fixed
		case TypeChoice:
			a[p.Name] = p.Values[digit]
		default:
			a[p.Name] = Number(p.Lower + float64(digit))
		}
	}
	return a
}
