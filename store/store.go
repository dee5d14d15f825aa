package store

import (
	"context"
	"encoding/json"
	"errors"
	"unicode"
	"unicode/utf8"
)

// ErrNoArea is returned by Provider.Area when the provider has no area with the given name.
var ErrNoArea = errors.New("no such storage area")

// Item is a single key and its JSON encoded value.
type Item struct {
	Key   string
	Value json.RawMessage
}

// Change describes how a single key changed. A nil NewValue means the key was removed.
type Change struct {
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	NewValue json.RawMessage `json:"newValue,omitempty"`
}

// Removed reports whether the change record lacks a new value.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// Changes is a batch of changes to a single area, keyed by the key that changed.
type Changes map[string]Change

// Handler receives every batch of changes made to any area of a provider.
// The batch is shared between handlers and must not be modified.
type Handler func(changes Changes, area string)

// UnsubscribeFunc revokes a handler registered with Provider.OnChanged.
type UnsubscribeFunc func()

// Area is one named partition of a provider.
type Area interface {
	// Get returns the items stored under keys. A nil keys returns every item in the area.
	// Keys that are not stored are omitted from the result.
	Get(ctx context.Context, keys []string) ([]Item, error)
	Set(ctx context.Context, items []Item) error
	Remove(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// Provider is an asynchronous key-value store split into areas.
type Provider interface {
	// Members lists the names exposed by the provider's storage namespace.
	// This includes areas as well as non-data members like event registration points.
	Members() []string

	Area(name string) (Area, error)

	// OnChanged registers h to receive every successful mutation of any area, in commit order.
	OnChanged(h Handler) UnsubscribeFunc

	// LastError reports an error signaled out of band for the most recent call, if any.
	LastError() error

	Close() error
}

// Manifest lists the permissions a consumer requested.
type Manifest struct {
	Permissions         []string `json:"permissions"`
	OptionalPermissions []string `json:"optional_permissions"`
}

// Permissions is implemented by providers that gate access behind granted permissions.
type Permissions interface {
	Manifest() Manifest
	Contains(ctx context.Context, permissions []string) (bool, error)
}

// AreaNames derives the data areas of p from its namespace members, dropping
// event registration points (onChanged) and capitalized type names (StorageArea).
func AreaNames(p Provider) []string {
	var names []string
	for _, m := range p.Members() {
		if isAreaName(m) {
			names = append(names, m)
		}
	}

	return names
}

func isAreaName(name string) bool {
	first, size := utf8.DecodeRuneInString(name)
	switch {
	case first == utf8.RuneError:
		return false
	case unicode.IsUpper(first):
		return false
	case first == 'o' && len(name) > 2 && name[1] == 'n':
		next, _ := utf8.DecodeRuneInString(name[size+1:])
		return !unicode.IsUpper(next)
	}

	return true
}

// Copy returns a copy of v that does not share memory with it.
func Copy(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}

	c := make(json.RawMessage, len(v))
	copy(c, v)
	return c
}
