package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxPropertiesChars is the largest accepted length of an event's
// JSON-encoded properties.
const DefaultMaxPropertiesChars = 600

var validate *validator.Validate

// A single validator instance is used, because it caches struct parsing.
func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidateBatch checks the batch envelope and every event. It does not
// check properties size, see CheckPropertiesSize.
func ValidateBatch(b *Batch) []FieldError {
	var errs []FieldError
	errs = append(errs, structErrors("", b)...)
	for i, ev := range b.Events {
		prefix := fmt.Sprintf("events[%d].", i)
		if ev == nil {
			errs = append(errs, FieldError{strings.TrimSuffix(prefix, "."), "required"})
			continue
		}
		errs = append(errs, structErrors(prefix, ev)...)
		if ev.Timestamp().IsZero() {
			errs = append(errs, FieldError{prefix + "date", "required ISO-8601 timestamp"})
		}
	}
	return errs
}

func structErrors(prefix string, v any) []FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{strings.TrimSuffix(prefix, "."), err.Error()}}
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += " " + fe.Param()
		}
		out = append(out, FieldError{prefix + fe.Field(), msg})
	}
	return out
}

// PropertiesLength returns the length of the JSON encoding of p as a
// browser's JSON.stringify would produce it, counted in UTF-16 code units
// so limits agree with browser clients. Nil properties have length zero.
//
// encoding/json escapes U+2028 and U+2029 as six characters where
// JSON.stringify writes them raw, and replaces invalid UTF-8 with the
// escape \ufffd where the decoded value holds one U+FFFD. Each of those
// counts as one.
func PropertiesLength(p Properties) (int, error) {
	if p == nil {
		return 0, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return 0, err
	}
	out := strings.TrimSuffix(buf.String(), "\n")
	n := 0
	for i := 0; i < len(out); {
		if out[i] == '\\' && i+1 < len(out) {
			if out[i+1] == 'u' && i+6 <= len(out) {
				switch out[i+2 : i+6] {
				case "2028", "2029", "fffd":
					n++
				default:
					n += 6
				}
				i += 6
				continue
			}
			n += 2
			i += 2
			continue
		}
		r, size := utf8.DecodeRuneInString(out[i:])
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
		i += size
	}
	return n, nil
}

// CheckPropertiesSize returns the first event whose properties exceed
// maxChars, or nil.
func CheckPropertiesSize(events Events, maxChars int) *FieldError {
	for i, ev := range events {
		n, err := PropertiesLength(ev.Props())
		field := fmt.Sprintf("events[%d].properties", i)
		if err != nil {
			return &FieldError{field, "not JSON encodable: " + err.Error()}
		}
		if n > maxChars {
			return &FieldError{field, fmt.Sprintf("encoded length %d exceeds %d characters", n, maxChars)}
		}
	}
	return nil
}
