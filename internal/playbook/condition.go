package playbook

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signals"
)

// ConditionKind identifies how a condition is evaluated.
type ConditionKind string

const (
	KindTag       ConditionKind = "tag"       // TRM:mixer_exposure, tag:phishing
	KindThreshold ConditionKind = "threshold" // amount>10000, time_since_mix<2h
	KindAttribute ConditionKind = "attribute" // destination:exchange
	KindPredicate ConditionKind = "predicate" // velocity_high
)

// Condition is one parsed playbook condition. Its canonical text form is
// what gets stored and serialized.
type Condition struct {
	Kind  ConditionKind
	Key   string
	Op    string  // threshold only
	Value float64 // threshold only
	Text  string  // tag or attribute value
}

var operators = []string{"<=", ">=", "==", "!=", "<", ">"}

// ParseCondition parses the textual condition forms.
func ParseCondition(raw string) (Condition, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Condition{}, fmt.Errorf("%w: empty condition", ErrInvalidPlaybook)
	}

	if i := strings.IndexAny(s, "<>=!"); i >= 0 {
		key := normalizeKey(s[:i])
		rest := s[i:]
		op := ""
		for _, candidate := range operators {
			if strings.HasPrefix(rest, candidate) {
				op = candidate
				break
			}
		}
		if op == "" || !isIdentifier(key) {
			return Condition{}, fmt.Errorf("%w: bad threshold %q", ErrInvalidPlaybook, raw)
		}
		v, ok := risk.ParseQuantity(rest[len(op):])
		if !ok {
			return Condition{}, fmt.Errorf("%w: bad threshold value in %q", ErrInvalidPlaybook, raw)
		}
		return Condition{Kind: KindThreshold, Key: key, Op: op, Value: v}, nil
	}

	if prefix, value, ok := strings.Cut(s, ":"); ok {
		prefix = normalizeKey(prefix)
		value = strings.TrimSpace(value)
		if value == "" || !isIdentifier(prefix) {
			return Condition{}, fmt.Errorf("%w: bad condition %q", ErrInvalidPlaybook, raw)
		}
		switch prefix {
		case "trm", "tag":
			tag := signals.NormalizeTag(value)
			if tag == "" {
				return Condition{}, fmt.Errorf("%w: empty tag in %q", ErrInvalidPlaybook, raw)
			}
			return Condition{Kind: KindTag, Key: prefix, Text: tag}, nil
		default:
			return Condition{Kind: KindAttribute, Key: prefix, Text: strings.ToLower(value)}, nil
		}
	}

	key := normalizeKey(s)
	if !isIdentifier(key) {
		return Condition{}, fmt.Errorf("%w: bad predicate %q", ErrInvalidPlaybook, raw)
	}
	return Condition{Kind: KindPredicate, Key: key}, nil
}

// MustParseCondition panics on invalid input. For literals only.
func MustParseCondition(raw string) Condition {
	c, err := ParseCondition(raw)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the canonical text form.
func (c Condition) String() string {
	switch c.Kind {
	case KindTag:
		if c.Key == "trm" {
			return "TRM:" + c.Text
		}
		return "tag:" + c.Text
	case KindThreshold:
		return fmt.Sprintf("%s%s%s", c.Key, c.Op, formatNumber(c.Value))
	case KindAttribute:
		return c.Key + ":" + c.Text
	default:
		return c.Key
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Condition) UnmarshalText(b []byte) error {
	parsed, err := ParseCondition(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Holds evaluates the condition. Features the subject does not have make
// the condition false.
func (c Condition) Holds(a signals.Assessment, f risk.Features) bool {
	switch c.Kind {
	case KindTag:
		return a.HasTag(c.Text)
	case KindThreshold:
		v, ok := f.Number(c.Key)
		if !ok {
			return false
		}
		return compare(v, c.Op, c.Value)
	case KindAttribute:
		v, ok := f.Attribute(c.Key)
		return ok && v == c.Text
	case KindPredicate:
		return f.Flag(c.Key)
	}
	return false
}

func compare(v float64, op string, target float64) bool {
	switch op {
	case "<":
		return v < target
	case "<=":
		return v <= target
	case ">":
		return v > target
	case ">=":
		return v >= target
	case "==":
		return v == target
	case "!=":
		return v != target
	}
	return false
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
