package vault

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
)

const (
	fieldClientID    = "clientId"
	fieldServerToken = "serverToken"
	fieldClientToken = "clientToken"
)

// Bundle is a parsed credential document. The identity fields are required;
// every other field is carried through untouched.
type Bundle struct {
	ClientID    string
	ServerToken string
	ClientToken string

	fields map[string]json.RawMessage
}

// ParseBundle validates data as a credential document.
func ParseBundle(data []byte) (*Bundle, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, apperrors.InvalidCredentials("expected a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.InvalidCredentials("malformed JSON")
	}

	b := &Bundle{fields: fields}
	var err error
	if b.ClientID, err = requiredString(fields, fieldClientID); err != nil {
		return nil, err
	}
	if b.ServerToken, err = requiredString(fields, fieldServerToken); err != nil {
		return nil, err
	}
	if b.ClientToken, err = requiredString(fields, fieldClientToken); err != nil {
		return nil, err
	}
	return b, nil
}

func requiredString(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", apperrors.InvalidCredentials(fmt.Sprintf("missing %s", name))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", apperrors.InvalidCredentials(fmt.Sprintf("%s must be a string", name))
	}
	if s == "" {
		return "", apperrors.InvalidCredentials(fmt.Sprintf("%s must not be empty", name))
	}
	return s, nil
}

// Field returns the raw JSON of an arbitrary top-level field.
func (b *Bundle) Field(name string) (json.RawMessage, bool) {
	raw, ok := b.fields[name]
	return raw, ok
}

func (b *Bundle) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.fields)+3)
	for k, v := range b.fields {
		out[k] = v
	}
	for name, value := range map[string]string{
		fieldClientID:    b.ClientID,
		fieldServerToken: b.ServerToken,
		fieldClientToken: b.ClientToken,
	} {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	return json.Marshal(out)
}
