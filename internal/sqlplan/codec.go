package sqlplan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Codec converts between Go values and the representation a data source
// stores for one SQL type. Codecs are compared by identity: two steps using
// equal but distinct Codec values are not interchangeable.
type Codec struct {
	Name    string
	SQLType string
	ToSQL   func(v any) (any, error)
	FromSQL func(v any) (any, error)
}

func (c *Codec) String() string { return c.Name }

// Encode converts v for the data source. nil stays nil.
func (c *Codec) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.ToSQL(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}
	return out, nil
}

// Decode converts a value read from the data source. nil stays nil.
func (c *Codec) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.FromSQL(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, err)
	}
	return out, nil
}

var (
	Text = &Codec{Name: "text", SQLType: "text", ToSQL: textToSQL, FromSQL: textFromSQL}

	Int4 = &Codec{Name: "int4", SQLType: "int4", ToSQL: intToSQL(32), FromSQL: intToSQL(32)}

	Int8 = &Codec{Name: "int8", SQLType: "int8", ToSQL: intToSQL(64), FromSQL: intToSQL(64)}

	Float8 = &Codec{Name: "float8", SQLType: "float8", ToSQL: floatToSQL, FromSQL: floatToSQL}

	Bool = &Codec{Name: "bool", SQLType: "bool", ToSQL: boolToSQL, FromSQL: boolToSQL}

	UUID = &Codec{Name: "uuid", SQLType: "uuid", ToSQL: uuidToSQL, FromSQL: uuidToSQL}

	Timestamptz = &Codec{Name: "timestamptz", SQLType: "timestamptz", ToSQL: timeToSQL, FromSQL: timeFromSQL}

	JSON = &Codec{Name: "json", SQLType: "json", ToSQL: jsonToSQL, FromSQL: jsonFromSQL}
)

var builtinCodecs = map[string]*Codec{
	Text.Name:        Text,
	Int4.Name:        Int4,
	Int8.Name:        Int8,
	Float8.Name:      Float8,
	Bool.Name:        Bool,
	UUID.Name:        UUID,
	Timestamptz.Name: Timestamptz,
	JSON.Name:        JSON,
}

// LookupCodec returns the builtin codec with the given name.
func LookupCodec(name string) (*Codec, bool) {
	c, ok := builtinCodecs[name]
	return c, ok
}

func textToSQL(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return nil, fmt.Errorf("cannot encode %T as text", v)
}

func textFromSQL(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return nil, fmt.Errorf("cannot decode %T as text", v)
}

func intToSQL(bits int) func(any) (any, error) {
	return func(v any) (any, error) {
		var n int64
		switch x := v.(type) {
		case int:
			n = int64(x)
		case int32:
			n = int64(x)
		case int64:
			n = x
		case float64:
			if math.IsInf(x, 0) || x != math.Trunc(x) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			if x < -(1<<63) || x >= 1<<63 {
				return nil, fmt.Errorf("%v overflows int8", x)
			}
			n = int64(x)
		case json.Number:
			i, err := x.Int64()
			if err != nil {
				return nil, err
			}
			n = i
		case string:
			i, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, err
			}
			n = i
		case []byte:
			i, err := strconv.ParseInt(string(x), 10, 64)
			if err != nil {
				return nil, err
			}
			n = i
		default:
			return nil, fmt.Errorf("cannot encode %T as integer", v)
		}
		if bits == 32 && (n > math.MaxInt32 || n < math.MinInt32) {
			return nil, fmt.Errorf("%d overflows int4", n)
		}
		return n, nil
	}
}

func floatToSQL(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return nil, fmt.Errorf("cannot encode %T as float", v)
}

func boolToSQL(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	}
	return nil, fmt.Errorf("cannot encode %T as bool", v)
}

func uuidToSQL(v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x.String(), nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case []byte:
		id, err := uuid.ParseBytes(x)
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	}
	return nil, fmt.Errorf("cannot encode %T as uuid", v)
}

func timeToSQL(v any) (any, error) {
	t, err := timeFromSQL(v)
	if err != nil {
		return nil, err
	}
	return t.(time.Time).UTC().Format(time.RFC3339Nano), nil
}

func timeFromSQL(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		return time.Parse(time.RFC3339Nano, string(x))
	}
	return nil, fmt.Errorf("cannot encode %T as timestamp", v)
}

func jsonToSQL(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonFromSQL(v any) (any, error) {
	var raw []byte
	switch x := v.(type) {
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		return nil, fmt.Errorf("cannot decode %T as json", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
