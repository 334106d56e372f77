package formula

import "fmt"

// ValidationIssue is one error or warning produced by Validate. The AST
// carries no source positions, so Validate reports every issue at Pos 0.
type ValidationIssue struct {
	Message string
	Pos     int
}

// ValidationResult is the shape consumed by the Inspector and by the
// editor-facing validation endpoint: spec.md §4.7.3.
type ValidationResult struct {
	IsValid           bool
	Errors            []ValidationIssue
	Warnings          []ValidationIssue
	ReferencedColumns []string
}

// Validate walks expr and checks it against the set of known column
// names for the table the formula will run against. Syntax errors are
// caught earlier by Parse; Validate only catches semantic problems:
// unknown functions, wrong arity, and unknown columns.
func Validate(expr Expr, knownColumns map[string]bool) ValidationResult {
	v := &validator{known: knownColumns, refs: map[string]bool{}}
	v.walk(expr)

	result := ValidationResult{
		IsValid:  len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
	for col := range v.refs {
		result.ReferencedColumns = append(result.ReferencedColumns, col)
	}
	return result
}

type validator struct {
	known    map[string]bool
	refs     map[string]bool
	errors   []ValidationIssue
	warnings []ValidationIssue
}

func (v *validator) errf(pos int, format string, args ...any) {
	v.errors = append(v.errors, ValidationIssue{Message: fmt.Sprintf(format, args...), Pos: pos})
}

func (v *validator) warnf(pos int, format string, args ...any) {
	v.warnings = append(v.warnings, ValidationIssue{Message: fmt.Sprintf(format, args...), Pos: pos})
}

func (v *validator) walk(expr Expr) {
	switch e := expr.(type) {
	case *BinaryExpression:
		v.walk(e.Left)
		v.walk(e.Right)
	case *UnaryExpression:
		v.walk(e.Operand)
	case *FunctionCall:
		spec, ok := LookupFunction(e.Name)
		if !ok {
			v.errf(0, "unknown function %q", e.Name)
		} else {
			n := len(e.Args)
			if n < spec.MinArgs || (spec.MaxArgs >= 0 && n > spec.MaxArgs) {
				v.errf(0, "function %q takes %s argument(s), got %d", e.Name, arityDescription(spec), n)
			}
		}
		for _, a := range e.Args {
			v.walk(a)
		}
	case *ColumnRef:
		v.refs[e.Name] = true
		if v.known != nil && !v.known[e.Name] {
			v.errf(0, "unknown column %q", e.Name)
		}
	case *InExpression:
		v.walk(e.Target)
		for _, val := range e.Values {
			v.walk(val)
		}
	case *StringLiteral, *NumberLiteral, *BooleanLiteral:
		// leaves, nothing to check
	default:
		v.errf(0, "unrecognized expression node")
	}
}

func arityDescription(spec FunctionSpec) string {
	if spec.MaxArgs < 0 {
		return fmt.Sprintf("at least %d", spec.MinArgs)
	}
	if spec.MinArgs == spec.MaxArgs {
		return fmt.Sprintf("exactly %d", spec.MinArgs)
	}
	return fmt.Sprintf("between %d and %d", spec.MinArgs, spec.MaxArgs)
}
