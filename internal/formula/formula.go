package formula

// Compile parses src, validates it against knownColumns, and lowers
// it to SQL in one step — the entry point C7's callers (formula
// columns, custom filters) use instead of driving Parse/Validate/Lower
// by hand.
type Compiled struct {
	Expr       Expr
	Validation ValidationResult
	SQL        string
}

// CompileError wraps a syntax error raised before a Compiled value
// could be produced at all.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

// Compile runs the full pipeline. A syntax error short-circuits with
// CompileError; a semantic (validation) failure still returns a
// Compiled value with Validation.IsValid == false and an empty SQL,
// so the caller can surface per-issue diagnostics rather than a bare
// error.
func Compile(src string, knownColumns map[string]bool) (*Compiled, error) {
	expr, err := Parse(src)
	if err != nil {
		return nil, &CompileError{Err: err}
	}

	validation := Validate(expr, knownColumns)
	compiled := &Compiled{Expr: expr, Validation: validation}
	if !validation.IsValid {
		return compiled, nil
	}

	sql, err := Lower(expr)
	if err != nil {
		compiled.Validation.IsValid = false
		compiled.Validation.Errors = append(compiled.Validation.Errors, ValidationIssue{Message: err.Error()})
		return compiled, nil
	}
	compiled.SQL = sql
	return compiled, nil
}
