package server

import (
	"bytes"
	"encoding/json"
	"errors"
)

var errUnsupportedValue = errors.New("expected a string or number")

// flexibleString accepts a JSON string, number or null. Numbers keep their
// literal decimal form so phone numbers posted unquoted still match.
type flexibleString string

func (value *flexibleString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*value = ""
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*value = flexibleString(text)
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	number, ok := raw.(json.Number)
	if !ok {
		return errUnsupportedValue
	}
	*value = flexibleString(number.String())
	return nil
}
