// Package validate maps a schema of field rules over untyped form input.
package validate

import (
	"fmt"
	"net/mail"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Rule checks a single trimmed value and returns a user-facing message, or ""
// when the value is acceptable.
type Rule func(value string) string

// Schema lists the rules for each field. Fields not named are ignored.
type Schema map[string][]Rule

// Errors maps field names to the first failing rule's message.
type Errors map[string]string

func (e Errors) Error() string {
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s: %s", f, e[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Values holds the trimmed values of the fields named in the schema.
type Values map[string]string

// Int64 returns a field already checked with the ID rule.
func (v Values) Int64(field string) int64 {
	n, _ := strconv.ParseInt(v[field], 10, 64)
	return n
}

// Form validates form against schema. On failure the returned error is an
// Errors value and Values is nil.
func Form(form url.Values, schema Schema) (Values, error) {
	values := make(Values, len(schema))
	errs := Errors{}

	for field, rules := range schema {
		value := strings.TrimSpace(form.Get(field))
		for _, rule := range rules {
			if msg := rule(value); msg != "" {
				errs[field] = msg
				break
			}
		}
		values[field] = value
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return values, nil
}

func Required(msg string) Rule {
	return func(value string) string {
		if value == "" {
			return msg
		}
		return ""
	}
}

func MinLength(n int, msg string) Rule {
	return func(value string) string {
		if len([]rune(value)) < n {
			return msg
		}
		return ""
	}
}

func MaxLength(n int, msg string) Rule {
	return func(value string) string {
		if len([]rune(value)) > n {
			return msg
		}
		return ""
	}
}

// Email accepts a bare address such as "user@example.com".
func Email(msg string) Rule {
	return func(value string) string {
		if !IsEmail(value) {
			return msg
		}
		return ""
	}
}

// ID accepts a positive decimal integer.
func ID(msg string) Rule {
	return func(value string) string {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return msg
		}
		return ""
	}
}

// IsEmail reports whether s is a bare email address with a dotted domain,
// without a display name or angle brackets.
func IsEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	return at > 0 && strings.Contains(s[at+1:], ".")
}
