package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/skipgraph/internal/config"
	"github.com/zde37/skipgraph/internal/skipgraph"
	"github.com/zde37/skipgraph/internal/store"
	"github.com/zde37/skipgraph/pkg"
)

type testAPI struct {
	sg     *skipgraph.SkipGraph
	values *store.MemoryStore
	server *Server
	http   *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Host = "local"
	cfg.Port = 9500
	cfg.QueryTimeout = 2 * time.Second
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.RetransmitWindow = 300 * time.Millisecond
	cfg.InsertBackoffBase = 2 * time.Millisecond
	cfg.InsertBackoffMax = 40 * time.Millisecond

	logger := pkg.Nop()
	values := store.NewMemoryStore(nil)
	hub := NewWebSocketHub(nil, logger)

	sg, err := skipgraph.New(cfg, values, logger, skipgraph.WithBroadcaster(hub))
	require.NoError(t, err)

	server, err := NewServer(&Config{Values: values, RequestTimeout: 5 * time.Second}, sg, hub, logger)
	require.NoError(t, err)

	go hub.Run()
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Stop()
		sg.Close()
		values.Close()
	})
	return &testAPI{sg: sg, values: values, server: server, http: ts}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 && resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (a *testAPI) query(t *testing.T, req QueryRequest) (int, *QueryResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(a.http.URL+"/api/v1/query", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var out QueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, &out
}

func resultPairs(results []ResultView) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.Key] = r.Value
	}
	return out
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil, nil, pkg.Nop())
	assert.Error(t, err)

	sg, err := skipgraph.New(config.DefaultConfig(), store.NewMemoryStore(nil), pkg.Nop())
	require.NoError(t, err)
	defer sg.Close()

	_, err = NewServer(nil, sg, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(nil, sg, nil, pkg.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s.Handler())
	assert.Same(t, sg, s.Hub().querier)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)

	code, body := a.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	a.do(t, http.MethodGet, "/api/v1/info", "")
	resp, err := http.Get(a.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `skipgraph_http_requests_total{op="info"`)
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(http.MethodOptions, a.http.URL+"/api/v1/query", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestKeysQueryAndLookup(t *testing.T) {
	a := newTestAPI(t)

	for _, kv := range [][2]string{{"10", "ten"}, {"20", "twenty"}, {"30", "thirty"}} {
		code, body := a.do(t, http.MethodPost, "/api/v1/keys/"+kv[0], kv[1])
		require.Equal(t, http.StatusCreated, code, body)
		assert.Equal(t, "inserted", body["status"])
	}

	code, body := a.do(t, http.MethodPost, "/api/v1/keys/20", "TWENTY")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "updated", body["status"])

	code, resp := a.query(t, QueryRequest{Ranges: []RangeSpec{{From: "10", To: "30"}}})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"10": "ten", "20": "TWENTY"}, resultPairs(resp.Results))
	assert.Empty(t, resp.Gaps)
	assert.NotEmpty(t, resp.QID)

	code, resp = a.query(t, QueryRequest{
		Ranges:  []RangeSpec{{From: "10", To: "30", ToInclusive: true}},
		Payload: store.CommandSize,
		Mode:    "aggregate",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]string{"10": "3", "20": "6", "30": "6"}, resultPairs(resp.Results))

	getResp, err := http.Get(a.http.URL + "/api/v1/query?from=15&to=30&inclusive=true")
	require.NoError(t, err)
	var viaGet QueryResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&viaGet))
	getResp.Body.Close()
	keys := make([]string, 0, len(viaGet.Results))
	for _, r := range viaGet.Results {
		keys = append(keys, r.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"20", "30"}, keys)

	code, body = a.do(t, http.MethodDelete, "/api/v1/keys/20", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "removed", body["status"])

	code, _ = a.do(t, http.MethodDelete, "/api/v1/keys/20", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.do(t, http.MethodGet, "/api/v1/lookup/25", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10", body["node"])
	assert.Equal(t, a.sg.Address(), body["addr"])

	var info skipgraph.PeerInfo
	infoResp, err := http.Get(a.http.URL + "/api/v1/info")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(infoResp.Body).Decode(&info))
	infoResp.Body.Close()
	assert.Equal(t, a.sg.PeerID(), info.PeerID)
	assert.Len(t, info.Keys, 2)
}

func TestQueryBadRequest(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed body", body: "{"},
		{name: "no ranges", body: `{"ranges":[]}`},
		{name: "unknown mode", body: `{"ranges":[{"from":"1","to":"2"}],"mode":"gossip"}`},
		{name: "negative timeout", body: `{"ranges":[{"from":"1","to":"2"}],"timeout_ms":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := a.do(t, http.MethodPost, "/api/v1/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestQueryWithoutKeys(t *testing.T) {
	a := newTestAPI(t)

	code, _ := a.query(t, QueryRequest{Ranges: []RangeSpec{{From: "1", To: "2"}}})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = a.do(t, http.MethodGet, "/api/v1/lookup/1", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pkg.ErrKeyNotFound, http.StatusNotFound},
		{pkg.ErrDuplicateKey, http.StatusConflict},
		{pkg.ErrNotInserted, http.StatusConflict},
		{pkg.ErrUnavailable, http.StatusServiceUnavailable},
		{pkg.ErrClosed, http.StatusServiceUnavailable},
		{pkg.ErrCommunication, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func dialWS(t *testing.T, a *testAPI) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(a.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hub := a.server.Hub()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

// readUntil returns the first message of the given type, failing after a second.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func TestWebSocketTopologyEvents(t *testing.T) {
	a := newTestAPI(t)
	conn := dialWS(t, a)

	code, _ := a.do(t, http.MethodPost, "/api/v1/keys/42", "answer")
	require.Equal(t, http.StatusCreated, code)

	for {
		msg := readUntil(t, conn, MsgTopology)
		var event skipgraph.TopologyEvent
		require.NoError(t, json.Unmarshal(msg.Event, &event))
		if event.Type == skipgraph.EventKeyInserted {
			assert.Equal(t, "42", event.Key)
			assert.Equal(t, a.sg.PeerID(), event.PeerID)
			return
		}
	}
}

func TestWebSocketQueryStreaming(t *testing.T) {
	a := newTestAPI(t)
	for _, k := range []string{"1", "2", "3", "4"} {
		code, _ := a.do(t, http.MethodPost, "/api/v1/keys/"+k, "v"+k)
		require.Equal(t, http.StatusCreated, code)
	}
	conn := dialWS(t, a)

	require.NoError(t, conn.WriteJSON(WSMessage{
		Type:  MsgQuery,
		ID:    "q1",
		Query: &QueryRequest{Ranges: []RangeSpec{{From: "2", To: "4", ToInclusive: true}}},
	}))

	streamed := map[string]string{}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.ID != "q1" {
			continue
		}
		if msg.Type == MsgResult {
			streamed[msg.Result.Key] = msg.Result.Value
			continue
		}
		require.Equal(t, MsgQueryDone, msg.Type, msg.Error)
		assert.Equal(t, map[string]string{"2": "v2", "3": "v3", "4": "v4"}, streamed)
		assert.Len(t, msg.Summary.Results, 3)
		break
	}

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgQuery, ID: "bad", Query: &QueryRequest{}}))
	msg := readUntil(t, conn, MsgError)
	assert.Equal(t, "bad", msg.ID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "subscribe"}))
	msg = readUntil(t, conn, MsgError)
	assert.Contains(t, msg.Error, "expected a query")
}

func TestBroadcastUpdateDropsWhenFull(t *testing.T) {
	hub := NewWebSocketHub(nil, pkg.Nop())
	for i := 0; i < cap(hub.broadcast); i++ {
		require.NoError(t, hub.BroadcastUpdate(map[string]int{"n": i}))
	}
	assert.Error(t, hub.BroadcastUpdate("overflow"))
	assert.Error(t, hub.BroadcastUpdate(func() {}))
}
