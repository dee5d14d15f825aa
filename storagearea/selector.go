package storagearea

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Selector picks the keys an operation applies to. It is one of Key, KeyList or KeyValueMap.
type Selector interface {
	keys() []string
}

// Key selects a single key.
type Key string

// KeyList selects each listed key.
type KeyList []string

// KeyValueMap selects its keys. Lookup uses its values as defaults for absent keys,
// SetMany stores them.
type KeyValueMap map[string]any

func (k Key) keys() []string {
	return []string{string(k)}
}

func (k KeyList) keys() []string {
	return k
}

func (k KeyValueMap) keys() []string {
	return slices.Sorted(maps.Keys(k))
}

// KeyOf converts an untyped key, such as one decoded from a JSON body, to a string.
// Strings are used as is. Numbers, booleans and fmt.Stringers are converted and
// reported as coerced. Anything else is an ErrInvalidKey.
func KeyOf(v any) (key string, coerced bool, err error) {
	switch v := v.(type) {
	case string:
		return v, false, nil
	case json.Number:
		return v.String(), true, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true, nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), true, nil
	case bool:
		return strconv.FormatBool(v), true, nil
	case fmt.Stringer:
		return v.String(), true, nil
	}

	return "", false, fmt.Errorf("%w: %T", ErrInvalidKey, v)
}
