package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/finagent/pkg/apperr"
)

// Section is one structured record of a user's context.
type Section = map[string]interface{}

// UserContext maps section names to records.
type UserContext map[string]Section

// Store persists UserContext documents keyed by user identity.
type Store interface {
	// Load returns the stored context, or an empty one when none exists.
	Load(ctx context.Context, userID string) (UserContext, error)
	// Save overwrites the stored context.
	Save(ctx context.Context, userID string, uc UserContext) error
	// Update replaces the named sections and returns the resulting context.
	Update(ctx context.Context, userID string, updates map[string]interface{}) (UserContext, error)
	// Backend names the storage backend for logs and metrics.
	Backend() string
	Close() error
}

// ValidateUpdates checks that every value in updates is a mapping and
// converts the update into sections. It never partially succeeds.
func ValidateUpdates(updates map[string]interface{}) (UserContext, error) {
	if len(updates) == 0 {
		return nil, &apperr.ValidationError{Section: "", Reason: "no sections to update"}
	}

	out := make(UserContext, len(updates))
	for _, name := range sortedKeys(updates) {
		if strings.TrimSpace(name) == "" {
			return nil, &apperr.ValidationError{Section: name, Reason: "section name cannot be empty"}
		}
		record, ok := updates[name].(map[string]interface{})
		if !ok {
			return nil, &apperr.ValidationError{
				Section: name,
				Reason:  fmt.Sprintf("expected an object, got %s", describe(updates[name])),
			}
		}
		out[name] = record
	}
	return out, nil
}

// Merge returns base with every section in updates replaced wholesale.
func Merge(base, updates UserContext) UserContext {
	merged := make(UserContext, len(base)+len(updates))
	for name, section := range base {
		merged[name] = section
	}
	for name, section := range updates {
		merged[name] = section
	}
	return merged
}

// Sections returns the section names in sorted order.
func (uc UserContext) Sections() []string {
	names := make([]string, 0, len(uc))
	for name := range uc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render formats uc as indented JSON with sorted keys, or "" when empty.
func Render(uc UserContext) string {
	if len(uc) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(uc, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// decode parses a stored document. A non-object section fails decoding.
func decode(data []byte) (UserContext, error) {
	uc := UserContext{}
	if len(data) == 0 {
		return uc, nil
	}
	if err := json.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("failed to decode user context: %w", err)
	}
	if uc == nil {
		uc = UserContext{}
	}
	return uc, nil
}

func encode(uc UserContext) ([]byte, error) {
	if uc == nil {
		uc = UserContext{}
	}
	data, err := json.MarshalIndent(uc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode user context: %w", err)
	}
	return data, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32:
		return "number"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
