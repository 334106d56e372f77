package formula

import "fmt"

// Expr is any node in a formula's abstract syntax tree.
type Expr interface {
	exprNode()
}

// BinaryExpression is `Left Op Right`, e.g. @price * 1.1 or @a AND @b.
type BinaryExpression struct {
	Op    string
	Left  Expr
	Right Expr
}

// UnaryExpression is a prefix operator: -@x or NOT @flag.
type UnaryExpression struct {
	Op      string
	Operand Expr
}

// FunctionCall is a call to one of the closed set of spreadsheet functions.
type FunctionCall struct {
	Name string
	Args []Expr
}

// ColumnRef is a reference to a column, written @name or @[Bracketed Name].
type ColumnRef struct {
	Name string
}

// StringLiteral is a double-quoted string literal.
type StringLiteral struct {
	Value string
}

// NumberLiteral is a numeric literal.
type NumberLiteral struct {
	Value string
}

// BooleanLiteral is TRUE or FALSE (case-insensitive in source).
type BooleanLiteral struct {
	Value bool
}

// InExpression is `Expr IN (v1, v2, ...)`.
type InExpression struct {
	Target Expr
	Values []Expr
}

func (*BinaryExpression) exprNode() {}
func (*UnaryExpression) exprNode()  {}
func (*FunctionCall) exprNode()     {}
func (*ColumnRef) exprNode()        {}
func (*StringLiteral) exprNode()    {}
func (*NumberLiteral) exprNode()    {}
func (*BooleanLiteral) exprNode()   {}
func (*InExpression) exprNode()     {}

// Pretty renders expr back into formula source, for diagnostics and
// for round-trip tests. It is not guaranteed to byte-match the
// original source (whitespace and parenthesization are normalized).
func Pretty(expr Expr) string {
	switch e := expr.(type) {
	case *BinaryExpression:
		return fmt.Sprintf("(%s %s %s)", Pretty(e.Left), e.Op, Pretty(e.Right))
	case *UnaryExpression:
		return fmt.Sprintf("(%s%s)", e.Op, Pretty(e.Operand))
	case *FunctionCall:
		args := ""
		for i, a := range e.Args {
			if i > 0 {
				args += ", "
			}
			args += Pretty(a)
		}
		return fmt.Sprintf("%s(%s)", e.Name, args)
	case *ColumnRef:
		return "@[" + e.Name + "]"
	case *StringLiteral:
		return fmt.Sprintf("%q", e.Value)
	case *NumberLiteral:
		return e.Value
	case *BooleanLiteral:
		if e.Value {
			return "TRUE"
		}
		return "FALSE"
	case *InExpression:
		args := ""
		for i, v := range e.Values {
			if i > 0 {
				args += ", "
			}
			args += Pretty(v)
		}
		return fmt.Sprintf("(%s IN (%s))", Pretty(e.Target), args)
	default:
		return "<?>"
	}
}
