// Package piifilter detects identifying data in event metadata.
package piifilter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Kind names the class of identifying data found.
type Kind string

const (
	KindEmail      Kind = "email"
	KindPhone      Kind = "phone"
	KindNationalID Kind = "national_id"
	KindCard       Kind = "payment_card"
	KindIPAddress  Kind = "ip_address"
	KindURL        Kind = "url"
	KindKey        Kind = "identifying_key"
	KindFreeText   Kind = "free_text"
)

// Finding is one detected PII occurrence. Value is never echoed to avoid leaking it into logs.
type Finding struct {
	Field string `json:"field"`
	Kind  Kind   `json:"kind"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%s", f.Field, f.Kind)
}

// Limits bounds the shape of a metadata map.
type Limits struct {
	MaxKeys        int
	MaxBytes       int
	MaxKeyLength   int
	MaxValueLength int
	MaxWords       int
}

// DefaultLimits are applied when a zero Limits is used.
var DefaultLimits = Limits{
	MaxKeys:        16,
	MaxBytes:       2048,
	MaxKeyLength:   32,
	MaxValueLength: 64,
	MaxWords:       3,
}

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\(?\d{2,4}\)?[\s.\-]?\d{3,4}[\s.\-]?\d{3,4}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	ipv4Pattern  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)
	urlPattern   = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	uuidPattern  = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// Phone numbers carry between 9 and 15 digits (E.164).
const (
	minPhoneDigits = 9
	maxPhoneDigits = 15
)

var identifyingKeyTokens = []string{
	"name", "email", "mail", "phone", "mobile", "address", "street", "birth", "dob",
	"ssn", "nationalid", "passport", "contact", "studentid", "guardian", "parent", "note", "comment",
}

// Scan returns every PII finding in metadata. An empty result means the map is clean.
func Scan(metadata map[string]interface{}) []Finding {
	var findings []Finding
	for _, key := range sortedKeys(metadata) {
		if identifyingKey(key) {
			findings = append(findings, Finding{Field: key, Kind: KindKey})
			continue
		}
		findings = append(findings, scanValue(key, metadata[key])...)
	}
	return findings
}

// ScanText checks a single free-standing string such as an interaction type.
func ScanText(field, value string) []Finding {
	return scanString(field, value, DefaultLimits)
}

// ScanIdentifier checks an opaque identifier such as a lesson id. Identifiers are exempt from
// the free-text rule and a value shaped like a UUID is never a finding.
func ScanIdentifier(field, value string) []Finding {
	value = strings.TrimSpace(value)
	if value == "" || uuidPattern.FindString(value) == value {
		return nil
	}
	return scanPatterns(field, value)
}

// Strip returns a copy of metadata with every offending key removed, plus what was removed.
func Strip(metadata map[string]interface{}) (map[string]interface{}, []Finding) {
	findings := Scan(metadata)
	if len(findings) == 0 {
		return copyMap(metadata), nil
	}
	drop := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		drop[f.Field] = struct{}{}
	}
	clean := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if _, bad := drop[k]; !bad {
			clean[k] = v
		}
	}
	return clean, findings
}

// CheckShape verifies metadata is a flat, bounded map of scalars.
func CheckShape(metadata map[string]interface{}, limits Limits) error {
	limits = withDefaults(limits)
	if len(metadata) > limits.MaxKeys {
		return fmt.Errorf("metadata has %d keys, limit is %d", len(metadata), limits.MaxKeys)
	}
	for key, value := range metadata {
		if key == "" || len(key) > limits.MaxKeyLength {
			return fmt.Errorf("metadata key %q has invalid length", key)
		}
		switch v := value.(type) {
		case nil, bool, float64, float32, int, int32, int64, json.Number:
		case string:
			if len(v) > limits.MaxValueLength {
				return fmt.Errorf("metadata value for %q exceeds %d characters", key, limits.MaxValueLength)
			}
		default:
			return fmt.Errorf("metadata value for %q must be a scalar", key)
		}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("metadata is not serializable: %w", err)
	}
	if len(raw) > limits.MaxBytes {
		return fmt.Errorf("metadata is %d bytes, limit is %d", len(raw), limits.MaxBytes)
	}
	return nil
}

func scanValue(field string, value interface{}) []Finding {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	return scanString(field, s, DefaultLimits)
}

func scanString(field, s string, limits Limits) []Finding {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	findings := scanPatterns(field, s)
	if len(findings) == 0 && freeText(s, limits) {
		findings = append(findings, Finding{Field: field, Kind: KindFreeText})
	}
	return findings
}

// scanPatterns reports at most one pattern finding for s. UUIDs are blanked before the numeric
// checks so their digit groups never read as phone or card numbers.
func scanPatterns(field, s string) []Finding {
	numeric := uuidPattern.ReplaceAllString(s, " ")
	var kind Kind
	switch {
	case emailPattern.MatchString(s):
		kind = KindEmail
	case urlPattern.MatchString(s):
		kind = KindURL
	case ssnPattern.MatchString(numeric):
		kind = KindNationalID
	case containsCard(numeric):
		kind = KindCard
	case ipv4Pattern.MatchString(numeric):
		kind = KindIPAddress
	case containsPhone(numeric):
		kind = KindPhone
	default:
		return nil
	}
	return []Finding{{Field: field, Kind: kind}}
}

// containsPhone reports a phone-shaped number that stands on its own: the match, widened over
// adjacent digits, must not touch a letter or digit on either side.
func containsPhone(s string) bool {
	for _, loc := range phonePattern.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		for start > 0 && isDigit(s[start-1]) {
			start--
		}
		for end < len(s) && isDigit(s[end]) {
			end++
		}
		if (start > 0 && isAlnum(s[start-1])) || (end < len(s) && isAlnum(s[end])) {
			continue
		}
		if n := digitCount(s[start:end]); n >= minPhoneDigits && n <= maxPhoneDigits {
			return true
		}
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func identifyingKey(key string) bool {
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, key)
	for _, token := range identifyingKeyTokens {
		if strings.Contains(normalized, token) {
			return true
		}
	}
	return false
}

func freeText(s string, limits Limits) bool {
	limits = withDefaults(limits)
	if len(s) > limits.MaxValueLength {
		return true
	}
	return len(strings.Fields(s)) > limits.MaxWords
}

func containsCard(s string) bool {
	for _, candidate := range cardPattern.FindAllString(s, -1) {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, candidate)
		if len(digits) >= 13 && len(digits) <= 19 && luhn(digits) {
			return true
		}
	}
	return false
}

func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func withDefaults(l Limits) Limits {
	if l.MaxKeys <= 0 {
		l.MaxKeys = DefaultLimits.MaxKeys
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultLimits.MaxBytes
	}
	if l.MaxKeyLength <= 0 {
		l.MaxKeyLength = DefaultLimits.MaxKeyLength
	}
	if l.MaxValueLength <= 0 {
		l.MaxValueLength = DefaultLimits.MaxValueLength
	}
	if l.MaxWords <= 0 {
		l.MaxWords = DefaultLimits.MaxWords
	}
	return l
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
