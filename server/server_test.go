package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/server/handlers"
	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/memstore"
	"github.com/byuoitav/storagearea/store/remote"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	log.Config.Level.SetLevel(zap.PanicLevel)
	os.Exit(m.Run())
}

func startServer(tb testing.TB, p store.Provider, opts ...Option) (*Server, string) {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := New(ctx, p, opts...)
	if err != nil {
		tb.Fatalf("failed to create server: %v", err)
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(lis)
	}()

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			tb.Errorf("failed to stop server: %v", err)
		}

		if err := <-served; err != nil {
			tb.Errorf("failed to serve: %v", err)
		}
	})

	return server, lis.Addr().String()
}

func do(tb testing.TB, method, url, body string) (int, string) {
	tb.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		tb.Fatalf("failed to build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("failed to %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tb.Fatalf("failed to read response: %v", err)
	}

	return resp.StatusCode, string(data)
}

func expect(tb testing.TB, method, url, body string, status int) string {
	tb.Helper()

	code, resp := do(tb, method, url, body)
	if code != status {
		tb.Fatalf("%s %s: expected status %d, got %d: %s", method, url, status, code, resp)
	}

	return resp
}

func eventually(tb testing.TB, cond func() bool, msg string) {
	tb.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("%s", msg)
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func TestHTTP(t *testing.T) {
	_, addr := startServer(t, memstore.NewStore())
	base := "http://" + addr

	var names []string
	if err := json.Unmarshal([]byte(expect(t, http.MethodGet, base+"/areas", "", http.StatusOK)), &names); err != nil {
		t.Fatalf("failed to decode areas: %v", err)
	}

	if strings.Join(names, ",") != "local,session,sync" {
		t.Fatalf("unexpected areas: %v", names)
	}

	expect(t, http.MethodPut, base+"/areas/local/keys/theme", `"dark"`, http.StatusOK)
	if val := expect(t, http.MethodGet, base+"/areas/local/keys/theme", "", http.StatusOK); val != `"dark"` {
		t.Fatalf("expected theme to be \"dark\", got %s", val)
	}

	expect(t, http.MethodPut, base+"/areas/local/keys/broken", `{"a":`, http.StatusBadRequest)
	expect(t, http.MethodGet, base+"/areas/local/keys/broken", "", http.StatusNotFound)

	// numeric keys are converted
	expect(t, http.MethodPost, base+"/areas/local", `{"key": 42, "value": {"on": true}}`, http.StatusOK)
	if val := expect(t, http.MethodGet, base+"/areas/local/keys/42", "", http.StatusOK); val != `{"on": true}` {
		t.Fatalf("unexpected value of 42: %s", val)
	}

	expect(t, http.MethodPost, base+"/areas/local", `{"key": ["a"], "value": 1}`, http.StatusBadRequest)
	expect(t, http.MethodPost, base+"/areas/local", `{"key": "a"}`, http.StatusBadRequest)

	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(expect(t, http.MethodGet, base+"/areas/local", "", http.StatusOK)), &all); err != nil {
		t.Fatalf("failed to decode area: %v", err)
	}

	if len(all) != 2 || string(all["theme"]) != `"dark"` {
		t.Fatalf("unexpected area contents: %v", all)
	}

	expect(t, http.MethodDelete, base+"/areas/local/keys/theme", "", http.StatusOK)
	expect(t, http.MethodGet, base+"/areas/local/keys/theme", "", http.StatusNotFound)

	expect(t, http.MethodDelete, base+"/areas/local", "", http.StatusOK)
	if body := expect(t, http.MethodGet, base+"/areas/local", "", http.StatusOK); body != "{}\n" {
		t.Fatalf("expected an empty area, got %s", body)
	}

	expect(t, http.MethodGet, base+"/areas/bogus", "", http.StatusNotFound)
	expect(t, http.MethodPut, base+"/areas/bogus/keys/k", `1`, http.StatusNotFound)
}

func TestWithAreas(t *testing.T) {
	_, addr := startServer(t, memstore.NewStore(), WithAreas("sync"))

	expect(t, http.MethodGet, "http://"+addr+"/areas/sync", "", http.StatusOK)
	expect(t, http.MethodGet, "http://"+addr+"/areas/local", "", http.StatusNotFound)
}

func TestUnknownArea(t *testing.T) {
	if _, err := New(context.Background(), memstore.NewStore(), WithAreas("bogus")); err == nil {
		t.Fatalf("expected an error for an area the provider doesn't have")
	}
}

func TestGRPCSharesListener(t *testing.T) {
	backend := memstore.NewStore()
	_, addr := startServer(t, backend)
	base := "http://" + addr

	ctx := context.Background()

	p, err := remote.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer p.Close()

	a, err := p.Area("sync")
	if err != nil {
		t.Fatalf("failed to get area: %v", err)
	}

	// a write over grpc reaches the server's cache through the provider's changes
	err = a.Set(ctx, []store.Item{{Key: "volume", Value: json.RawMessage(`11`)}})
	if err != nil {
		t.Fatalf("failed to set volume: %v", err)
	}

	eventually(t, func() bool {
		code, body := do(t, http.MethodGet, base+"/areas/sync/keys/volume", "")
		return code == http.StatusOK && body == "11"
	}, "grpc write never reached the http api")

	// and a write over http is visible over grpc
	expect(t, http.MethodPut, base+"/areas/sync/keys/muted", `true`, http.StatusOK)

	items, err := a.Get(ctx, []string{"muted"})
	switch {
	case err != nil:
		t.Fatalf("failed to get muted: %v", err)
	case len(items) != 1 || string(items[0].Value) != "true":
		t.Fatalf("unexpected items: %v", items)
	}
}

func dialWatch(tb testing.TB, addr, area string) *websocket.Conn {
	tb.Helper()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/areas/"+area+"/watch", nil)
	if err != nil {
		tb.Fatalf("failed to dial watch: %v", err)
	}

	tb.Cleanup(func() { ws.Close() })
	return ws
}

func readBatch(tb testing.TB, ws *websocket.Conn) handlers.Batch {
	tb.Helper()

	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		tb.Fatalf("failed to set deadline: %v", err)
	}

	var b handlers.Batch
	if err := ws.ReadJSON(&b); err != nil {
		tb.Fatalf("failed to read batch: %v", err)
	}

	return b
}

func TestWatch(t *testing.T) {
	backend := memstore.NewStore()
	_, addr := startServer(t, backend)
	base := "http://" + addr

	ws := dialWatch(t, addr, "local")

	// changes to other areas aren't sent
	expect(t, http.MethodPut, base+"/areas/session/keys/ignored", `1`, http.StatusOK)
	expect(t, http.MethodPut, base+"/areas/local/keys/theme", `"dark"`, http.StatusOK)

	b := readBatch(t, ws)
	switch {
	case b.Area != "local":
		t.Fatalf("unexpected area %q", b.Area)
	case len(b.Changes) != 1:
		t.Fatalf("unexpected changes: %v", b.Changes)
	case string(b.Changes["theme"].NewValue) != `"dark"` || b.Changes["theme"].OldValue != nil:
		t.Fatalf("unexpected change of theme: %+v", b.Changes["theme"])
	}

	expect(t, http.MethodPut, base+"/areas/local/keys/theme", `"light"`, http.StatusOK)
	expect(t, http.MethodDelete, base+"/areas/local/keys/theme", "", http.StatusOK)

	b = readBatch(t, ws)
	if string(b.Changes["theme"].OldValue) != `"dark"` || string(b.Changes["theme"].NewValue) != `"light"` {
		t.Fatalf("unexpected change of theme: %+v", b.Changes["theme"])
	}

	b = readBatch(t, ws)
	if !b.Changes["theme"].Removed() {
		t.Fatalf("expected theme to be removed: %+v", b.Changes["theme"])
	}

	code, _ := do(t, http.MethodGet, base+"/areas/bogus/watch", "")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 watching an unknown area, got %d", code)
	}
}

func TestStopEndsWatchers(t *testing.T) {
	server, addr := startServer(t, memstore.NewStore())
	ws := dialWatch(t, addr, "sync")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set deadline: %v", err)
	}

	_, _, err := ws.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected the watch to be closed, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	_, addr := startServer(t, memstore.NewStore())
	base := "http://" + addr

	expect(t, http.MethodPut, base+"/areas/local/keys/k", `1`, http.StatusOK)
	expect(t, http.MethodGet, base+"/areas/local/keys/k", "", http.StatusOK)
	expect(t, http.MethodGet, base+"/areas/local/keys/missing", "", http.StatusNotFound)

	body := expect(t, http.MethodGet, base+"/metrics", "", http.StatusOK)
	for _, want := range []string{
		`storagearea_cache_hits_total{area="local"} 1`,
		`storagearea_cache_misses_total{area="local"} 1`,
		`storagearea_cache_entries{area="local"} 1`,
		"go_goroutines",
	} {
		if !bytes.Contains([]byte(body), []byte(want)) {
			t.Fatalf("expected /metrics to contain %q", want)
		}
	}
}
