package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// StatusLoginRequired is the probe status that suspends authentication.
const StatusLoginRequired = "login_required"

// ErrMalformedProbe is wrapped when the whoami payload cannot be trusted.
var ErrMalformedProbe = errors.New("malformed identity probe")

// StatusRecord is the payload of the whoami probe.
type StatusRecord struct {
	Status      string `json:"status"`
	LoginURL    string `json:"login_url,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	PhoneAlt    string `json:"phone_number,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Identity returns the first non-empty identity field.
func (r StatusRecord) Identity() string {
	for _, v := range []string{r.PhoneNumber, r.PhoneAlt, r.UserID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// LoginRequired reports whether the backend wants the user to log in.
func (r StatusRecord) LoginRequired() bool {
	return r.Status == StatusLoginRequired
}

const statusSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"status": {"type": "string"},
		"login_url": {"type": "string"},
		"phoneNumber": {"type": "string"},
		"phone_number": {"type": "string"},
		"user_id": {"type": "string"},
		"message": {"type": "string"}
	},
	"if": {
		"properties": {"status": {"const": "login_required"}},
		"required": ["status"]
	},
	"then": {
		"required": ["login_url"],
		"properties": {"login_url": {"minLength": 1}}
	}
}`

var statusLoader = gojsonschema.NewStringLoader(statusSchema)

// ParseStatusRecord validates and decodes a probe payload. The payload is
// only ever treated as JSON data.
func ParseStatusRecord(text string) (StatusRecord, error) {
	var record StatusRecord

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return record, fmt.Errorf("%w: empty payload", ErrMalformedProbe)
	}

	result, err := gojsonschema.Validate(statusLoader, gojsonschema.NewStringLoader(trimmed))
	if err != nil {
		return record, fmt.Errorf("%w: %v", ErrMalformedProbe, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return record, fmt.Errorf("%w: %s", ErrMalformedProbe, strings.Join(msgs, "; "))
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	if err := dec.Decode(&record); err != nil {
		return record, fmt.Errorf("%w: %v", ErrMalformedProbe, err)
	}
	return record, nil
}
