package store

import (
	"slices"
	"sync"
	"testing"
)

type namespace []string

func (n namespace) Members() []string                 { return n }
func (n namespace) Area(string) (Area, error)         { return nil, ErrNoArea }
func (n namespace) OnChanged(Handler) UnsubscribeFunc { return func() {} }
func (n namespace) LastError() error                  { return nil }
func (n namespace) Close() error                      { return nil }

func TestAreaNames(t *testing.T) {
	p := namespace{"local", "onChanged", "session", "StorageArea", "sync", "managed", "one", "on", "", "StorageChange"}

	names := AreaNames(p)
	expected := []string{"local", "session", "sync", "managed", "one", "on"}
	if !slices.Equal(names, expected) {
		t.Fatalf("area names didn't match:\nexpected: %v\nactual: %v", expected, names)
	}
}

func TestChangeRemoved(t *testing.T) {
	if !(Change{OldValue: []byte(`1`)}).Removed() {
		t.Fatalf("change without a new value should be a removal")
	}

	if (Change{NewValue: []byte(`null`)}).Removed() {
		t.Fatalf("a null new value is still a value")
	}
}

func TestFeedDeliversInReservationOrder(t *testing.T) {
	var f Feed

	var (
		mu  sync.Mutex
		got []string
	)

	unsub := f.Subscribe(func(changes Changes, area string) {
		mu.Lock()
		defer mu.Unlock()

		for key := range changes {
			got = append(got, key)
		}
	})
	defer unsub()

	first := f.Reserve()
	second := f.Reserve()
	third := f.Reserve()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		third.Send(Changes{"c": {}}, "local")
	}()

	go func() {
		defer wg.Done()
		second.Cancel()
	}()

	first.Send(Changes{"a": {}}, "local")
	wg.Wait()

	if !slices.Equal(got, []string{"a", "c"}) {
		t.Fatalf("expected deliveries [a c], got %v", got)
	}
}

func TestFeedUnsubscribe(t *testing.T) {
	var f Feed

	calls := 0
	unsub := f.Subscribe(func(Changes, string) { calls++ })

	f.Publish(Changes{"a": {}}, "local")
	unsub()
	unsub()
	f.Publish(Changes{"b": {}}, "local")

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	if f.Len() != 0 {
		t.Fatalf("expected no handlers, got %d", f.Len())
	}
}

func TestFeedSkipsEmptyBatches(t *testing.T) {
	var f Feed

	calls := 0
	unsub := f.Subscribe(func(Changes, string) { calls++ })
	defer unsub()

	f.Publish(Changes{}, "local")
	f.Publish(nil, "local")

	if calls != 0 {
		t.Fatalf("empty batches were delivered")
	}
}
