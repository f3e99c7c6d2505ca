package sqlplan

import "fmt"

// PlaceholderToken names a parameter whose value is only known per row.
type PlaceholderToken int

// QueryValue is one parameter of a compiled query: either a literal fixed
// at compile time or a placeholder substituted for every row.
type QueryValue struct {
	placeholder bool
	token       PlaceholderToken
	literal     any
}

func Literal(v any) QueryValue { return QueryValue{literal: v} }

func Placeholder(tok PlaceholderToken) QueryValue {
	return QueryValue{placeholder: true, token: tok}
}

func (v QueryValue) IsPlaceholder() bool { return v.placeholder }

// Token is only meaningful for placeholders.
func (v QueryValue) Token() PlaceholderToken { return v.token }

// Literal is only meaningful for literals.
func (v QueryValue) Literal() any { return v.literal }

func (v QueryValue) String() string {
	if v.placeholder {
		return fmt.Sprintf("placeholder(%d)", v.token)
	}
	return fmt.Sprintf("literal(%v)", v.literal)
}

// Binding tells where a placeholder's value comes from: the dependency
// slot Dep of the owning step, converted by Encode.
type Binding struct {
	Dep    int
	Encode func(any) (any, error)
}

// Query is the compiled form of a statement. It is built once when its step
// is finalized and shared, read-only, by every row of every execution.
type Query struct {
	Text     string
	Values   []QueryValue
	Bindings map[PlaceholderToken]Binding
}

// UnknownPlaceholderError reports a placeholder without a binding. It
// indicates a defect in the step that compiled the query.
type UnknownPlaceholderError struct {
	Token PlaceholderToken
}

func (e *UnknownPlaceholderError) Error() string {
	return fmt.Sprintf("sqlplan: placeholder %d has no binding", e.Token)
}

// Substitute returns the parameters for one row: literals as they are,
// placeholders replaced by Encode(values[Dep][row]). values is indexed by
// dependency slot, then row.
func (q *Query) Substitute(values [][]any, row int) ([]any, error) {
	out := make([]any, len(q.Values))
	for i, v := range q.Values {
		if !v.placeholder {
			out[i] = v.literal
			continue
		}
		b, ok := q.Bindings[v.token]
		if !ok {
			return nil, &UnknownPlaceholderError{Token: v.token}
		}
		if b.Dep < 0 || b.Dep >= len(values) {
			return nil, fmt.Errorf("sqlplan: placeholder %d is bound to missing dependency %d", v.token, b.Dep)
		}
		raw := values[b.Dep][row]
		if b.Encode == nil {
			out[i] = raw
			continue
		}
		enc, err := b.Encode(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlplan: parameter %d: %w", i+1, err)
		}
		out[i] = enc
	}
	return out, nil
}
