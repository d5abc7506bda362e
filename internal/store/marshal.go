package store

import (
	"fmt"

	"github.com/roach88/coffer/internal/ir"
)

// marshalProperties converts correlation properties to canonical JSON TEXT.
func marshalProperties(props ir.Map) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(props)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// unmarshalProperties parses canonical JSON TEXT into properties.
// Empty objects decode to nil so round-trips compare equal.
func unmarshalProperties(data string) (ir.Map, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var props ir.Map
	if err := props.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return props, nil
}
