package sqlplan

import (
	"strconv"
	"strings"
)

// Dialect selects how parameters and casts are spelled.
type Dialect int

const (
	// Postgres numbers parameters $1, $2, ... and casts with expr::type.
	Postgres Dialect = iota
	// SQLite numbers parameters ?1, ?2, ... and relies on column affinity
	// instead of casts.
	SQLite
)

func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case SQLite:
		return "sqlite"
	}
	return "dialect(" + strconv.Itoa(int(d)) + ")"
}

// ParseDialect maps a dialect name to its Dialect.
func ParseDialect(name string) (Dialect, bool) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pg":
		return Postgres, true
	case "sqlite", "sqlite3":
		return SQLite, true
	}
	return 0, false
}

func (d Dialect) param(n int) string {
	if d == SQLite {
		return "?" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}

type fragmentKind uint8

const (
	fragRaw fragmentKind = iota
	fragIdent
	fragValue
	fragList
	fragParens
	fragCast
)

// Fragment is a piece of SQL built from trusted text, quoted identifiers
// and parameters. Fragments are values; combining them never mutates the
// operands.
type Fragment struct {
	kind     fragmentKind
	text     string
	names    []string
	value    QueryValue
	children []Fragment
}

// Raw is trusted SQL text, emitted verbatim.
func Raw(text string) Fragment { return Fragment{kind: fragRaw, text: text} }

// Ident is a quoted, dot-separated identifier such as "schema"."table".
func Ident(names ...string) Fragment {
	return Fragment{kind: fragIdent, names: append([]string(nil), names...)}
}

// Lit is a literal value sent as a query parameter.
func Lit(v any) Fragment { return Fragment{kind: fragValue, value: Literal(v)} }

// Param is a query parameter substituted per row from a binding.
func Param(tok PlaceholderToken) Fragment {
	return Fragment{kind: fragValue, value: Placeholder(tok)}
}

// Concat joins fragments without a separator.
func Concat(frags ...Fragment) Fragment { return Join(frags, "") }

// Join joins fragments with sep, which is trusted text.
func Join(frags []Fragment, sep string) Fragment {
	return Fragment{kind: fragList, text: sep, children: append([]Fragment(nil), frags...)}
}

// Parens wraps f in parentheses.
func Parens(f Fragment) Fragment { return Fragment{kind: fragParens, children: []Fragment{f}} }

// Cast marks f as having sqlType. Dialects without casts emit f alone.
func Cast(f Fragment, sqlType string) Fragment {
	return Fragment{kind: fragCast, text: sqlType, children: []Fragment{f}}
}

// Compile renders f for d, returning the text and the parameter values in
// the order the text numbers them.
func Compile(f Fragment, d Dialect) (string, []QueryValue) {
	c := &compiler{dialect: d}
	c.write(f)
	return c.sb.String(), c.values
}

type compiler struct {
	dialect Dialect
	sb      strings.Builder
	values  []QueryValue
}

func (c *compiler) write(f Fragment) {
	switch f.kind {
	case fragRaw:
		c.sb.WriteString(f.text)
	case fragIdent:
		for i, n := range f.names {
			if i > 0 {
				c.sb.WriteByte('.')
			}
			c.sb.WriteString(quoteIdent(n))
		}
	case fragValue:
		c.values = append(c.values, f.value)
		c.sb.WriteString(c.dialect.param(len(c.values)))
	case fragList:
		for i, ch := range f.children {
			if i > 0 {
				c.sb.WriteString(f.text)
			}
			c.write(ch)
		}
	case fragParens:
		c.sb.WriteByte('(')
		c.write(f.children[0])
		c.sb.WriteByte(')')
	case fragCast:
		c.write(f.children[0])
		if c.dialect == Postgres && f.text != "" {
			c.sb.WriteString("::")
			c.sb.WriteString(f.text)
		}
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
