package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rcliao/memory-substrate/internal/pipeline"
	"github.com/rcliao/memory-substrate/internal/semantic"
	"github.com/rcliao/memory-substrate/internal/store"
	"github.com/rcliao/memory-substrate/internal/substrate"
)

func newTestServer(t *testing.T) (http.Handler, *Hub) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "substrate.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ix, err := semantic.NewIndex(semantic.NewStubEmbedder(0), nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	pipe := pipeline.New(pipeline.Config{Store: st, Index: ix})
	hub := NewHub(nil)
	t.Cleanup(hub.Close)

	svc, err := substrate.New(substrate.Config{
		Store:   st,
		Index:   ix,
		Pipe:    pipe,
		OnWrite: hub.Notify,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	srv := NewServer(svc, hub, zap.NewNop(), "127.0.0.1", 0)
	return srv.Handler, hub
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func writeTestPacket(t *testing.T, h http.Handler, content string, metadata map[string]any) string {
	t.Helper()
	w := doJSON(t, h, "POST", "/packets", map[string]any{
		"packet_type": "event",
		"payload":     map[string]any{"content": content},
		"metadata":    metadata,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("write packet: status %d, body %s", w.Code, w.Body.String())
	}
	var res substrate.WriteResult
	decode(t, w, &res)
	return res.PacketID
}

func TestWritePacketEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, "POST", "/packets", map[string]any{
		"packet_type": "event",
		"payload":     map[string]any{"content": "Find HDPE suppliers"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res substrate.WriteResult
	decode(t, w, &res)
	if res.Status != substrate.StatusWritten || res.PacketID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestWritePacketDuplicateReturns200(t *testing.T) {
	h, _ := newTestServer(t)

	body := map[string]any{
		"packet_type": "event",
		"payload":     map[string]any{"content": "message"},
		"metadata":    map[string]any{"event_id": "evt-1"},
	}
	first := doJSON(t, h, "POST", "/packets", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := doJSON(t, h, "POST", "/packets", body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", second.Code)
	}
	var res substrate.WriteResult
	decode(t, second, &res)
	if res.Status != substrate.StatusDuplicate {
		t.Errorf("expected duplicate status, got %q", res.Status)
	}
}

func TestWritePacketValidation(t *testing.T) {
	h, _ := newTestServer(t)

	w := doJSON(t, h, "POST", "/packets", map[string]any{
		"payload": map[string]any{"content": "no type"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "VALIDATION") {
		t.Errorf("expected VALIDATION error code, got %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/packets", strings.NewReader("{not json"))
	h.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", w.Code)
	}
}

func TestGetPacketEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	id := writeTestPacket(t, h, "hello", nil)

	w := doJSON(t, h, "GET", "/packets/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env map[string]any
	decode(t, w, &env)
	if env["packet_id"] != id {
		t.Errorf("expected packet %s, got %v", id, env["packet_id"])
	}

	w = doJSON(t, h, "GET", "/packets/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	writeTestPacket(t, h, "HDPE resin suppliers in the midwest", nil)
	writeTestPacket(t, h, "quarterly finance report", nil)

	w := doJSON(t, h, "POST", "/search", map[string]any{
		"query": "HDPE resin suppliers in the midwest",
		"limit": 1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Query string                   `json:"query"`
		Hits  []substrate.SearchResult `json:"hits"`
	}
	decode(t, w, &body)
	if body.Query != "HDPE resin suppliers in the midwest" {
		t.Errorf("expected query echoed, got %q", body.Query)
	}
	if len(body.Hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(body.Hits))
	}
	if body.Hits[0].Packet.Payload["content"] != "HDPE resin suppliers in the midwest" {
		t.Errorf("unexpected top hit: %v", body.Hits[0].Packet.Payload)
	}
	if body.Hits[0].EmbeddingID == "" {
		t.Error("expected embedding id on semantic hit")
	}

	w = doJSON(t, h, "POST", "/search", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty search, got %d", w.Code)
	}
}

func TestEventsAndCheckpointEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	writeTestPacket(t, h, "hello", map[string]any{"agent_id": "scout"})

	w := doJSON(t, h, "GET", "/events/scout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var events struct {
		Events []map[string]any `json:"events"`
	}
	decode(t, w, &events)
	if len(events.Events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events.Events))
	}

	w = doJSON(t, h, "GET", "/checkpoints/scout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var cp map[string]any
	decode(t, w, &cp)
	if cp["state"] != pipeline.StateCheckpointed {
		t.Errorf("expected CHECKPOINTED, got %v", cp["state"])
	}

	w = doJSON(t, h, "GET", "/checkpoints/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", w.Code)
	}
}

func TestTracesAndStatsEndpoints(t *testing.T) {
	h, _ := newTestServer(t)

	id := writeTestPacket(t, h, "hello", nil)

	w := doJSON(t, h, "GET", "/traces?packet_id="+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var traces struct {
		Traces []map[string]any `json:"traces"`
	}
	decode(t, w, &traces)
	if len(traces.Traces) != 1 {
		t.Errorf("expected 1 trace, got %d", len(traces.Traces))
	}

	w = doJSON(t, h, "GET", "/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var stats store.Stats
	decode(t, w, &stats)
	if stats.Packets != 1 {
		t.Errorf("expected 1 packet in stats, got %d", stats.Packets)
	}
}

func TestMutationMethodsRejected(t *testing.T) {
	h, _ := newTestServer(t)

	id := writeTestPacket(t, h, "immutable", nil)

	for _, method := range []string{"DELETE", "PUT", "PATCH"} {
		w := doJSON(t, h, method, "/packets/"+id, nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s /packets/{id}: expected 405, got %d", method, w.Code)
		}
	}
}

func TestStreamFeed(t *testing.T) {
	h, _ := newTestServer(t)

	ts := httptest.NewServer(h)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/packets/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeTestPacket(t, h, "streamed message", map[string]any{"agent_id": "scout"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev StreamEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read stream event: %v", err)
	}
	if ev.PacketType != "event" || ev.AgentID != "scout" || ev.PacketID == "" {
		t.Errorf("unexpected stream event: %+v", ev)
	}
}
