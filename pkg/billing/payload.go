package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Payload is a decoded webhook body. JSON objects keep their nesting; form
// bodies become a flat map of first values.
type Payload map[string]interface{}

// DecodePayload decodes a JSON or form-encoded webhook body. The content type
// decides the format; without one the body itself is sniffed.
func DecodePayload(raw []byte, contentType string) (Payload, error) {
	if isForm(raw, contentType) {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
		}
		p := make(Payload, len(values))
		for k, v := range values {
			if len(v) > 0 {
				p[k] = v[0]
			}
		}
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookPayload, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidWebhookPayload)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects in payload", ErrInvalidWebhookPayload)
	}
	return p, nil
}

func isForm(raw []byte, contentType string) bool {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mediaType {
			case "application/x-www-form-urlencoded":
				return true
			case "application/json":
				return false
			}
		}
	}
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] != '{' && trimmed[0] != '['
}

// Value walks path through nested objects and arrays (numeric segments index arrays)
func (p Payload) Value(path ...string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(p)
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case Payload:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// String returns the value at path rendered as a trimmed string, or ""
func (p Payload) String(path ...string) string {
	v, ok := p.Value(path...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// Bool interprets booleans, "true"/"1"/"yes" strings and non-zero numbers
func (p Payload) Bool(path ...string) bool {
	v, ok := p.Value(path...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true
		}
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	}
	return false
}

// Map returns the nested object at path, or nil
func (p Payload) Map(path ...string) Payload {
	v, ok := p.Value(path...)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return Payload(t)
	case Payload:
		return t
	}
	return nil
}

// Time parses an RFC 3339 string or a Unix timestamp in seconds at path
func (p Payload) Time(path ...string) *time.Time {
	return p.parseTime(time.Second, path)
}

// UnixMillis parses a Unix timestamp in milliseconds at path
func (p Payload) UnixMillis(path ...string) *time.Time {
	return p.parseTime(time.Millisecond, path)
}

func (p Payload) parseTime(unit time.Duration, path []string) *time.Time {
	s := p.String(path...)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return nil
		}
		t := time.Unix(0, n*int64(unit)).UTC()
		return &t
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
