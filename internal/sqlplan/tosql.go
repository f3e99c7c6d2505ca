package sqlplan

import (
	"context"
	"fmt"

	plan "github.com/hanpama/stepplan/internal/plan"
)

// ToSQLStep converts its dependency's value to the representation codec
// stores. Unlike a lambda it merges with other conversions of the same value
// through the same codec.
type ToSQLStep struct {
	plan.BaseStep
	codec *Codec
}

// ToSQL adds a conversion of value through codec.
func ToSQL(value plan.Step, codec *Codec) (*ToSQLStep, error) {
	if codec == nil {
		return nil, fmt.Errorf("sqlplan: ToSQL needs a codec")
	}
	s := &ToSQLStep{codec: codec}
	s.IsSyncAndSafe = true
	if err := addStep(value.Base().Graph(), s, value); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ToSQLStep) Codec() *Codec { return s.codec }

func (s *ToSQLStep) Deduplicate(peers []plan.Step) []plan.Step {
	var out []plan.Step
	for _, p := range peers {
		if p.(*ToSQLStep).codec == s.codec {
			out = append(out, p)
		}
	}
	return out
}

func (s *ToSQLStep) ExecuteOne(ctx context.Context, extra plan.Extra, deps ...any) (any, error) {
	return s.codec.Encode(deps[0])
}
