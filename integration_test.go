package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	return newTestServerWithDB(t, nil)
}

func newTestServerWithDB(t *testing.T, db *DB) (*httptest.Server, *Hub) {
	t.Helper()
	cfg := Config{ClientURL: "http://localhost", Port: "0", MaxPlayersPerMatch: 10, ValidRegions: map[string]bool{"NA": true}}
	metrics := NewMetricsAggregator(db)
	mm := NewMatchmaker(cfg.MaxPlayersPerMatch, metrics, db)
	mm.Start()
	hub := NewHub(mm, metrics, db, cfg)
	go hub.Run()

	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(func() {
		mm.Shutdown()
		srv.Close()
	})
	return srv, hub
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := struct {
		T string          `json:"t"`
		D json.RawMessage `json:"d"`
	}{T: msgType, D: payload}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn, within time.Duration) InEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestJoinQueueReturnsMatchFound(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	sendEnvelope(t, conn, MsgJoinQueue, JoinQueuePayload{Region: "NA", Name: "alice"})

	env := readEnvelope(t, conn, 2*time.Second)
	if env.T != MsgMatchFound {
		t.Fatalf("expected matchFound, got %q", env.T)
	}
	var payload MatchFoundPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		t.Fatalf("unmarshal matchFound: %v", err)
	}
	if payload.Region != "NA" || payload.PlayerID == "" || payload.MatchID == "" {
		t.Fatalf("unexpected matchFound payload: %+v", payload)
	}
}

func TestJoinQueueInvalidRegionEmitsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	sendEnvelope(t, conn, MsgJoinQueue, JoinQueuePayload{Region: "MOON", Name: "alice"})

	env := readEnvelope(t, conn, 2*time.Second)
	if env.T != MsgError {
		t.Fatalf("expected error, got %q", env.T)
	}
}

func TestTwoPlayersShareRegionalMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	connA := dialWS(t, srv)
	connB := dialWS(t, srv)

	sendEnvelope(t, connA, MsgJoinQueue, JoinQueuePayload{Region: "NA", Name: "alice"})
	envA := readEnvelope(t, connA, 2*time.Second)
	var a MatchFoundPayload
	json.Unmarshal(envA.D, &a)

	sendEnvelope(t, connB, MsgJoinQueue, JoinQueuePayload{Region: "NA", Name: "bob"})
	envB := readEnvelope(t, connB, 2*time.Second)
	var b MatchFoundPayload
	json.Unmarshal(envB.D, &b)

	if a.MatchID != b.MatchID {
		t.Errorf("expected both players placed in the same match, got %q and %q", a.MatchID, b.MatchID)
	}
}

func TestStateUpdateFrameArrivesAsBinary(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	sendEnvelope(t, conn, MsgJoinQueue, JoinQueuePayload{Region: "NA", Name: "alice"})
	readEnvelope(t, conn, 2*time.Second) // matchFound

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a stateUpdate frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary stateUpdate frame, got message type %d", msgType)
	}
}

func TestHealthEndpointPersistsBugReport(t *testing.T) {
	db, err := OpenDB(t.TempDir() + "/arena.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	srv, _ := newTestServerWithDB(t, db)

	resp, err := http.Post(srv.URL+"/api/health", "application/json", strings.NewReader(`{"bugReport":"floor clips through player"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointRejectsMissingBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/health", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMatchQRUnknownMatchIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/match/does-not-exist/qr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
