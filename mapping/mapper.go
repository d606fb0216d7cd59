// Package mapping implements the declarative "de-para" field mapper of
// spec §4.5: dotted-path rules projecting a source envelope into a
// destination payload, with a closed set of value transforms.
//
// No precedent for a rule-based dotted-path transform engine exists
// elsewhere in the example corpus (see DESIGN.md); this package is
// original logic grounded in the general Go idiom the rest of the module
// uses (plain structs, closed switch over a transform-name set,
// fmt.Errorf wrapping).
package mapping

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ats-log/hr-sync-bridge/payload"
)

// Transform is the closed set of value transforms a Rule may apply.
type Transform string

const (
	TransformStr          Transform = "str"
	TransformUpper        Transform = "upper"
	TransformLower        Transform = "lower"
	TransformInt          Transform = "int"
	TransformFloat        Transform = "float"
	TransformBool         Transform = "bool"
	TransformCPFDigits    Transform = "cpf_digits"
	TransformYYYYMMDD     Transform = "date_yyyy_mm_dd"
)

// Rule is one de-para entry.
type Rule struct {
	Source    string    `json:"origem"`
	Dest      string    `json:"destino"`
	Required  bool      `json:"obrigatorio"`
	Active    bool      `json:"ativo"`
	Default   any       `json:"padrao,omitempty"`
	Transform Transform `json:"transformacao,omitempty"`
}

// Envelope exposes the three namespaces a rule's source path may address
// (§4.5): the parsed event payload, the outbox key fields, and reflectively
// fetched mirror-row columns.
type Envelope struct {
	Payload map[string]any
	Event   map[string]any
	Colunas map[string]any
}

func (e Envelope) namespace(root string) (map[string]any, bool) {
	switch root {
	case "payload":
		return e.Payload, true
	case "event":
		return e.Event, true
	case "colunas":
		return e.Colunas, true
	default:
		return nil, false
	}
}

// RequiredFieldError reports a required rule whose value could not be
// resolved, per §4.5 step 3: the event fails without a POST.
type RequiredFieldError struct {
	Rule Rule
}

func (e *RequiredFieldError) Error() string {
	return fmt.Sprintf("mapping: required field %q (from %q) is empty", e.Rule.Dest, e.Rule.Source)
}

// Apply projects env through rules into a fresh destination map. Inactive
// rules are skipped. The first unresolved required rule aborts with a
// *RequiredFieldError (§4.5 step 3).
func Apply(rules []Rule, env Envelope) (map[string]any, error) {
	dest := map[string]any{}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		value, found := resolvePath(env, rule.Source)
		if !found || isEmptyValue(value) {
			if rule.Default != nil {
				value = rule.Default
				found = true
			} else if rule.Required {
				return nil, &RequiredFieldError{Rule: rule}
			} else {
				continue
			}
		}

		transformed, err := applyTransform(rule.Transform, value)
		if err != nil {
			return nil, fmt.Errorf("mapping: transform %q on %q: %w", rule.Transform, rule.Source, err)
		}
		assignPath(dest, rule.Dest, transformed)
	}
	return dest, nil
}

func resolvePath(env Envelope, path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}
	ns, ok := env.namespace(parts[0])
	if !ok {
		return nil, false
	}
	var cur any = ns
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func assignPath(dest map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := dest
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func applyTransform(t Transform, value any) (any, error) {
	switch t {
	case "":
		return value, nil
	case TransformStr:
		return toString(value), nil
	case TransformUpper:
		return strings.ToUpper(toString(value)), nil
	case TransformLower:
		return strings.ToLower(toString(value)), nil
	case TransformInt:
		return toInt(value)
	case TransformFloat:
		return toFloat(value)
	case TransformBool:
		return payload.ToBool(value), nil
	case TransformCPFDigits:
		return payload.CPFDigits(toString(value)), nil
	case TransformYYYYMMDD:
		return payload.ToYYYYMMDD(value), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", t)
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		return int64(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case string:
		if t == "" {
			return 0, nil
		}
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
}
