package socrata

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FloatingTimestampLayout is the SoQL floating timestamp format used in $where literals.
const FloatingTimestampLayout = "2006-01-02T15:04:05"

// Operator is a SoQL comparison operator.
type Operator string

const (
	OpEq  Operator = "="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

// Expr is a node of a $where boolean filter. Values never reach the query
// string except through Render, which quotes and escapes them.
type Expr interface {
	render(b *strings.Builder) error
}

// Comparison is `field <op> 'value'`.
type Comparison struct {
	Field string
	Op    Operator
	Value string
}

// Junction joins terms with AND or OR inside one pair of parentheses.
type Junction struct {
	Conj  string
	Terms []Expr
}

// Eq matches a text field exactly.
func Eq(field, value string) Expr {
	return Comparison{Field: field, Op: OpEq, Value: value}
}

// Compare builds an ordered comparison against a timestamp.
func Compare(field string, op Operator, t time.Time) Expr {
	return Comparison{Field: field, Op: op, Value: t.Format(FloatingTimestampLayout)}
}

func And(terms ...Expr) Expr { return Junction{Conj: "AND", Terms: terms} }

func Or(terms ...Expr) Expr { return Junction{Conj: "OR", Terms: terms} }

// Render serializes e as a SoQL $where clause.
func Render(e Expr) (string, error) {
	if e == nil {
		return "", fmt.Errorf("socrata: nil filter expression")
	}
	var b strings.Builder
	if err := e.render(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (c Comparison) render(b *strings.Builder) error {
	if !identifierPattern.MatchString(c.Field) {
		return fmt.Errorf("socrata: invalid field name %q", c.Field)
	}
	switch c.Op {
	case OpEq:
		b.WriteString(c.Field)
		b.WriteString("=")
	case OpGt, OpGte, OpLt, OpLte:
		b.WriteString(c.Field)
		b.WriteString(" ")
		b.WriteString(string(c.Op))
		b.WriteString(" ")
	default:
		return fmt.Errorf("socrata: unsupported operator %q", c.Op)
	}
	b.WriteString(quote(c.Value))
	return nil
}

func (j Junction) render(b *strings.Builder) error {
	if j.Conj != "AND" && j.Conj != "OR" {
		return fmt.Errorf("socrata: unsupported conjunction %q", j.Conj)
	}
	if len(j.Terms) == 0 {
		return fmt.Errorf("socrata: empty %s expression", j.Conj)
	}
	b.WriteString("(")
	for i, term := range j.Terms {
		if term == nil {
			return fmt.Errorf("socrata: nil term in %s expression", j.Conj)
		}
		if i > 0 {
			b.WriteString(" ")
			b.WriteString(j.Conj)
			b.WriteString(" ")
		}
		if err := term.render(b); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}

// quote wraps s in single quotes, doubling embedded quotes as SoQL expects.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
