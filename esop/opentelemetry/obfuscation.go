package opentelemetry

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	cn "github.com/LerianStudio/lib-esop/esop/constants"
	"github.com/LerianStudio/lib-esop/esop/security"
	"go.opentelemetry.io/otel/attribute"
)

// RedactionAction selects what happens to a value once a rule matches.
type RedactionAction string

const (
	// RedactionMask replaces the value with the redactor's mask string.
	RedactionMask RedactionAction = "mask"
	// RedactionHash replaces the value with a sha256 digest of its string form,
	// keeping correlation possible without exposing the original.
	RedactionHash RedactionAction = "hash"
	// RedactionDrop removes the field entirely.
	RedactionDrop RedactionAction = "drop"
)

// RedactionRule matches fields by name and optionally by their dotted path.
// FieldPattern and PathPattern are regular expressions; a nil pattern matches
// everything, so a rule with only a PathPattern applies to any field under
// that path.
type RedactionRule struct {
	FieldPattern string
	PathPattern  string
	Action       RedactionAction

	fieldRegex *regexp.Regexp
	pathRegex  *regexp.Regexp
}

// Redactor applies an ordered rule list to decoded payloads and span
// attributes. Rules are evaluated first to last; the first match wins.
// A nil *Redactor is valid and redacts nothing.
type Redactor struct {
	rules     []RedactionRule
	maskValue string
}

// NewRedactor compiles the given rules. An empty maskValue falls back to the
// library-wide obfuscation placeholder, and a blank Action defaults to mask.
func NewRedactor(rules []RedactionRule, maskValue string) (*Redactor, error) {
	if maskValue == "" {
		maskValue = cn.ObfuscatedValue
	}

	compiled := make([]RedactionRule, 0, len(rules))

	for i, rule := range rules {
		if rule.Action == "" {
			rule.Action = RedactionMask
		}

		if rule.FieldPattern != "" {
			re, err := regexp.Compile(rule.FieldPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid redaction field pattern at index %d: %w", i, err)
			}

			rule.fieldRegex = re
		}

		if rule.PathPattern != "" {
			re, err := regexp.Compile(rule.PathPattern)
			if err != nil {
				return nil, fmt.Errorf("invalid redaction path pattern at index %d: %w", i, err)
			}

			rule.pathRegex = re
		}

		compiled = append(compiled, rule)
	}

	return &Redactor{rules: compiled, maskValue: maskValue}, nil
}

// NewDefaultRedactor masks every field in security.DefaultSensitiveFields,
// matched case-insensitively by exact name at any path.
func NewDefaultRedactor() *Redactor {
	fields := security.DefaultSensitiveFields()

	rules := make([]RedactionRule, 0, len(fields))
	for _, field := range fields {
		rules = append(rules, RedactionRule{
			FieldPattern: "(?i)^" + regexp.QuoteMeta(field) + "$",
			Action:       RedactionMask,
		})
	}

	r, err := NewRedactor(rules, cn.ObfuscatedValue)
	if err != nil {
		// Quoted literal patterns always compile.
		panic(fmt.Sprintf("opentelemetry: default redactor rules failed to compile: %v", err))
	}

	return r
}

// actionFor returns the action of the first rule matching the field name and
// its dotted path. A nil receiver never matches.
func (r *Redactor) actionFor(path, field string) (RedactionAction, bool) {
	if r == nil {
		return "", false
	}

	for _, rule := range r.rules {
		if rule.fieldRegex != nil && !rule.fieldRegex.MatchString(field) {
			continue
		}

		if rule.pathRegex != nil && !rule.pathRegex.MatchString(path) {
			continue
		}

		return rule.Action, true
	}

	return "", false
}

// redactValue applies the matching rule to a single value. The second return
// reports whether the field should be dropped entirely. Unmatched values pass
// through unchanged.
func (r *Redactor) redactValue(path, field string, value any) (any, bool) {
	action, matched := r.actionFor(path, field)
	if !matched {
		return value, false
	}

	switch action {
	case RedactionDrop:
		return nil, true
	case RedactionHash:
		return fmt.Sprintf("sha256:%x", hashString(fmt.Sprintf("%v", value))), false
	default:
		return r.maskValue, false
	}
}

func hashString(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// obfuscateStructFields walks decoded JSON data, applying the redactor to each
// map entry. path carries the dotted location of the current node; array
// elements inherit their parent's path.
func obfuscateStructFields(data any, path string, r *Redactor) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))

		for key, value := range v {
			fieldPath := key
			if path != "" {
				fieldPath = path + "." + key
			}

			if _, matched := r.actionFor(fieldPath, key); matched {
				redacted, drop := r.redactValue(fieldPath, key, value)
				if drop {
					continue
				}

				result[key] = redacted

				continue
			}

			result[key] = obfuscateStructFields(value, fieldPath, r)
		}

		return result
	case []any:
		result := make([]any, 0, len(v))
		for _, item := range v {
			result = append(result, obfuscateStructFields(item, path, r))
		}

		return result
	default:
		return data
	}
}

// ObfuscateStruct round-trips value through JSON and redacts sensitive fields
// on the decoded form. Numbers are preserved as json.Number so re-encoding
// does not lose precision. A nil redactor returns the input unchanged.
func ObfuscateStruct(value any, r *Redactor) (any, error) {
	if value == nil {
		return nil, nil
	}

	if r == nil {
		return value, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, err
	}

	return obfuscateStructFields(decoded, "", r), nil
}

// redactAttributesByKey applies the redactor to span attributes, treating the
// segment after the last dot as the field name and the full key as the path.
// Dropped attributes are removed from the result.
func redactAttributesByKey(attrs []attribute.KeyValue, r *Redactor) []attribute.KeyValue {
	if r == nil {
		return attrs
	}

	result := make([]attribute.KeyValue, 0, len(attrs))

	for _, attr := range attrs {
		key := string(attr.Key)

		field := key
		if idx := strings.LastIndex(key, "."); idx >= 0 {
			field = key[idx+1:]
		}

		action, matched := r.actionFor(key, field)
		if !matched {
			result = append(result, attr)
			continue
		}

		switch action {
		case RedactionDrop:
			continue
		case RedactionHash:
			result = append(result, attribute.String(key, fmt.Sprintf("sha256:%x", hashString(attr.Value.Emit()))))
		default:
			result = append(result, attribute.String(key, r.maskValue))
		}
	}

	return result
}
