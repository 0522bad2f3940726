package space

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

// constraint is a compiled parameter constraint such as "x + y <= 10".
type constraint struct {
	source  string
	program *exprvm.Program
}

func compileConstraint(source string, params []Parameter) (*constraint, error) {
	if strings.TrimSpace(source) == "" {
		return nil, invalid(KindInvalidConstraint, "", "constraint expression cannot be empty")
	}

	env := make(map[string]any, len(params))
	for _, p := range params {
		env[p.Name] = sampleValue(p)
	}

	program, err := exprlang.Compile(source, exprlang.Env(env), exprlang.AsBool())
	if err != nil {
		return nil, invalid(KindInvalidConstraint, "", "constraint %q: %v", source, err)
	}
	return &constraint{source: source, program: program}, nil
}

// sampleValue gives the type checker a representative value for p. Choice
// parameters with mixed value kinds are left untyped.
func sampleValue(p Parameter) any {
	switch p.Type {
	case TypeRange:
		return 0.0
	case TypeFixed:
		return p.Fixed.Interface()
	default:
		kind := p.Values[0].Kind()
		for _, v := range p.Values[1:] {
			if v.Kind() != kind {
				return nil
			}
		}
		return p.Values[0].Interface()
	}
}

// Constraints returns the constraint expressions in declaration order.
func (s *Space) Constraints() []string {
	out := make([]string, len(s.constraints))
	for i, c := range s.constraints {
		out[i] = c.source
	}
	return out
}

// Satisfies reports whether a meets every parameter constraint.
func (s *Space) Satisfies(a Assignment) (bool, error) {
	if len(s.constraints) == 0 {
		return true, nil
	}
	env := a.Env()
	for _, c := range s.constraints {
		out, err := exprlang.Run(c.program, env)
		if err != nil {
			return false, fmt.Errorf("evaluate constraint %q: %w", c.source, err)
		}
		ok, isBool := out.(bool)
		if !isBool {
			return false, fmt.Errorf("constraint %q returned %T, want bool", c.source, out)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
