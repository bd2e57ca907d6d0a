// Package expression parses step references written as ${{ steps.<id>.address }}
// and resolves them against the outcomes in a ledger.
package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/davidthor/chainctl/pkg/plan"
)

var referencePattern = regexp.MustCompile(`\$\{\{\s*([^}]*?)\s*\}\}`)

// IsReference reports whether s contains a ${{ }} expression.
func IsReference(s string) bool {
	return referencePattern.MatchString(s)
}

// Parse converts a raw string into a plan value. Strings holding exactly one
// ${{ steps.<id>.address }} expression become references; anything without
// an expression is a literal. Expressions embedded in surrounding text are
// rejected because an address cannot be interpolated into a larger value.
func Parse(s string) (plan.Value, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return plan.Literal(s), nil
	}
	if len(matches) > 1 || matches[0][0] != 0 || matches[0][1] != len(s) {
		return plan.Value{}, fmt.Errorf("expression %q must be the entire value", s)
	}

	body := s[matches[0][2]:matches[0][3]]
	id, err := parsePath(body)
	if err != nil {
		return plan.Value{}, fmt.Errorf("invalid expression %q: %w", s, err)
	}
	return plan.Ref(id), nil
}

// ParseAny converts decoded document values (strings, numbers, booleans,
// lists) into plan values, parsing expressions found in strings.
func ParseAny(v interface{}) (plan.Value, error) {
	switch val := v.(type) {
	case string:
		return Parse(val)
	case []interface{}:
		items := make([]plan.Value, 0, len(val))
		for i, item := range val {
			pv, err := ParseAny(item)
			if err != nil {
				return plan.Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, pv)
		}
		return plan.List(items...), nil
	case map[string]interface{}:
		return plan.Value{}, fmt.Errorf("maps are not supported as arguments")
	case nil:
		return plan.Value{}, fmt.Errorf("null is not supported as an argument")
	default:
		return plan.Literal(val), nil
	}
}

func parsePath(body string) (string, error) {
	parts := strings.Split(body, ".")
	if parts[0] != "steps" {
		return "", fmt.Errorf("unknown reference type %q", parts[0])
	}
	switch len(parts) {
	case 2:
	case 3:
		if parts[2] != "address" {
			return "", fmt.Errorf("unknown step property %q", parts[2])
		}
	default:
		return "", fmt.Errorf("expected steps.<id>.address")
	}
	if parts[1] == "" {
		return "", fmt.Errorf("missing step id")
	}
	return parts[1], nil
}
