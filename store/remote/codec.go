package remote

import (
	"encoding/json"
	"fmt"

	"github.com/byuoitav/storagearea/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages are built from well-known types. Values travel as JSON text so they
// round trip byte for byte; structpb numbers are float64 and would not.

const (
	fieldArea    = "area"
	fieldKeys    = "keys"
	fieldItems   = "items"
	fieldKey     = "key"
	fieldValue   = "value"
	fieldChanges = "changes"
	fieldOld     = "oldValue"
	fieldNew     = "newValue"

	fieldPermissions         = "permissions"
	fieldOptionalPermissions = "optional_permissions"
)

func listValue(strs []string) *structpb.ListValue {
	values := make([]*structpb.Value, len(strs))
	for i := range strs {
		values[i] = structpb.NewStringValue(strs[i])
	}

	return &structpb.ListValue{Values: values}
}

// stringsValue keeps nil and empty apart: nil travels as null.
func stringsValue(strs []string) *structpb.Value {
	if strs == nil {
		return structpb.NewNullValue()
	}

	return structpb.NewListValue(listValue(strs))
}

func stringsFrom(v *structpb.Value) ([]string, error) {
	switch v.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_ListValue:
	default:
		return nil, fmt.Errorf("expected a list of strings")
	}

	values := v.GetListValue().GetValues()
	strs := make([]string, len(values))
	for i := range values {
		s, ok := values[i].GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("expected a string at index %d", i)
		}

		strs[i] = s.StringValue
	}

	return strs, nil
}

func rawValue(raw json.RawMessage) *structpb.Value {
	return structpb.NewStringValue(string(raw))
}

func rawFrom(v *structpb.Value) (json.RawMessage, error) {
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("expected json text")
	}

	if !json.Valid([]byte(s.StringValue)) {
		return nil, fmt.Errorf("invalid json value")
	}

	return json.RawMessage(s.StringValue), nil
}

func itemsValue(items []store.Item) *structpb.Value {
	values := make([]*structpb.Value, len(items))
	for i, item := range items {
		values[i] = structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				fieldKey:   structpb.NewStringValue(item.Key),
				fieldValue: rawValue(item.Value),
			},
		})
	}

	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func itemsFrom(v *structpb.Value) ([]store.Item, error) {
	values := v.GetListValue().GetValues()
	items := make([]store.Item, 0, len(values))
	for i := range values {
		fields := values[i].GetStructValue().GetFields()

		key, ok := fields[fieldKey].GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("item %d is missing its key", i)
		}

		val, err := rawFrom(fields[fieldValue])
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", key.StringValue, err)
		}

		items = append(items, store.Item{Key: key.StringValue, Value: val})
	}

	return items, nil
}

func changesValue(changes store.Changes) *structpb.Value {
	fields := make(map[string]*structpb.Value, len(changes))
	for key, change := range changes {
		record := make(map[string]*structpb.Value, 2)
		if change.OldValue != nil {
			record[fieldOld] = rawValue(change.OldValue)
		}

		if change.NewValue != nil {
			record[fieldNew] = rawValue(change.NewValue)
		}

		fields[key] = structpb.NewStructValue(&structpb.Struct{Fields: record})
	}

	return structpb.NewStructValue(&structpb.Struct{Fields: fields})
}

func changesFrom(v *structpb.Value) (store.Changes, error) {
	fields := v.GetStructValue().GetFields()
	changes := make(store.Changes, len(fields))
	for key, rec := range fields {
		var (
			change store.Change
			err    error
		)

		record := rec.GetStructValue().GetFields()
		if old, ok := record[fieldOld]; ok {
			if change.OldValue, err = rawFrom(old); err != nil {
				return nil, fmt.Errorf("change %q: %w", key, err)
			}
		}

		if nv, ok := record[fieldNew]; ok {
			if change.NewValue, err = rawFrom(nv); err != nil {
				return nil, fmt.Errorf("change %q: %w", key, err)
			}
		}

		changes[key] = change
	}

	return changes, nil
}

func request(area string, fields map[string]*structpb.Value) *structpb.Struct {
	if fields == nil {
		fields = make(map[string]*structpb.Value, 1)
	}

	fields[fieldArea] = structpb.NewStringValue(area)
	return &structpb.Struct{Fields: fields}
}

func areaFrom(req *structpb.Struct) string {
	return req.GetFields()[fieldArea].GetStringValue()
}
