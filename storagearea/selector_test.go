package storagearea

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
)

func TestKeyOf(t *testing.T) {
	tests := []struct {
		in      any
		key     string
		coerced bool
	}{
		{in: "theme", key: "theme"},
		{in: "", key: ""},
		{in: 42, key: "42", coerced: true},
		{in: float64(1.5), key: "1.5", coerced: true},
		{in: float64(100), key: "100", coerced: true},
		{in: json.Number("7"), key: "7", coerced: true},
		{in: true, key: "true", coerced: true},
		{in: netip.MustParseAddr("10.0.0.1"), key: "10.0.0.1", coerced: true},
	}

	for _, tt := range tests {
		key, coerced, err := KeyOf(tt.in)
		switch {
		case err != nil:
			t.Fatalf("failed to convert %v: %v", tt.in, err)
		case key != tt.key || coerced != tt.coerced:
			t.Fatalf("KeyOf(%#v) = %q, %v; expected %q, %v", tt.in, key, coerced, tt.key, tt.coerced)
		}
	}

	for _, in := range []any{nil, []string{"a"}, map[string]any{}, struct{}{}} {
		if _, _, err := KeyOf(in); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %#v, got %v", in, err)
		}
	}
}

func TestSelectorKeys(t *testing.T) {
	if keys := (KeyValueMap{"b": 1, "a": 2}).keys(); len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if keys := Key("a").keys(); len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
