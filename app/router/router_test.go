package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"clawbernetes/app/handler"
	"clawbernetes/internal/admission"
	"clawbernetes/internal/alert"
	"clawbernetes/internal/dispatcher"
	"clawbernetes/internal/metrics"
	"clawbernetes/internal/model"
	"clawbernetes/internal/protocol"
	"clawbernetes/internal/registry"
	"clawbernetes/internal/rpc"
	"clawbernetes/internal/service"
	"clawbernetes/internal/service/logbuf"
	"clawbernetes/internal/session"
	"clawbernetes/internal/workload"
	"clawbernetes/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type gateway struct {
	srv *httptest.Server
	reg *registry.Registry
	wm  *workload.Manager
}

func newGateway(t *testing.T, admCfg *config.AdmissionConfig) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(registry.Options{HeartbeatInterval: 10 * time.Second})
	wm := workload.NewManager(nil)
	d := dispatcher.New(reg, wm, dispatcher.Options{SendTimeout: time.Second})
	logs := logbuf.New(100, 100)
	alerts := alert.NewManager(nil, nil)

	var adm *admission.Admission
	if admCfg != nil {
		var err error
		adm, err = admission.New(ctx, *admCfg, admission.NewMemoryBlocklist(nil), nil)
		require.NoError(t, err)
	}

	nodes := service.NewNodeService(reg, wm, d, logs, 2*time.Second)
	cluster := service.NewClusterService(reg, wm, d, logs, alerts)

	promReg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(promReg))

	engine := gin.New()
	NewRouter(
		handler.NewRPCHandler(cluster, adm),
		handler.NewSessionHandler(ctx, adm, nodes, session.Options{RegisterTimeout: 2 * time.Second}),
		testToken,
		promReg,
	).Setup(engine)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &gateway{srv: srv, reg: reg, wm: wm}
}

func (g *gateway) rpc(t *testing.T, token, body string) (int, rpc.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/rpc", strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (g *gateway) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/"
	return websocket.DefaultDialer.Dial(url, header)
}

func writeFrame(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestRouter_NodeSessionAndSubmit(t *testing.T) {
	g := newGateway(t, nil)

	ws, _, err := g.dial(t, testToken)
	require.NoError(t, err)
	defer ws.Close()

	nodeID := model.NewNodeID()
	writeFrame(t, ws, protocol.Register{
		NodeID: nodeID,
		Capabilities: model.Capabilities{
			Tags:          []string{model.TagSystem, model.TagDocker},
			CPUMillicores: 8000,
			MemoryBytes:   16 * model.GiB,
		},
		Address: "10.0.0.9:9000",
	})
	reg, ok := readFrame(t, ws).(protocol.Registered)
	require.True(t, ok)
	assert.Equal(t, int64(10000), reg.HeartbeatIntervalMs)
	assert.NotEmpty(t, reg.NodeToken)

	writeFrame(t, ws, protocol.Heartbeat{NodeID: nodeID, Sequence: 1, TimestampMs: time.Now().UnixMilli()})
	ack, ok := readFrame(t, ws).(protocol.HeartbeatAck)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ack.Sequence)

	status, resp := g.rpc(t, testToken, `{"id":7,"method":"workload_submit","params":{"spec":{
		"image":"busybox:latest","command":["echo","hi"],
		"resources":{"cpu_millicores":1000,"memory_bytes":1073741824,"gpu_count":0},
		"timeout_secs":60}}}`)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	assert.Equal(t, uint64(7), resp.ID)

	var res rpc.WorkloadSubmitResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, model.WorkloadScheduled, res.State)
	require.NotNil(t, res.Node)
	assert.Equal(t, nodeID, *res.Node)

	start, ok := readFrame(t, ws).(protocol.StartWorkload)
	require.True(t, ok)
	assert.Equal(t, res.WorkloadID, start.WorkloadID)
	assert.Equal(t, "busybox:latest", start.Spec.Image)

	writeFrame(t, ws, protocol.WorkloadUpdate{WorkloadID: start.WorkloadID, NewState: model.WorkloadRunning})
	assert.Eventually(t, func() bool {
		w, err := g.wm.Get(start.WorkloadID)
		return err == nil && w.State == model.WorkloadRunning
	}, 2*time.Second, 10*time.Millisecond)

	_, resp = g.rpc(t, testToken, `{"id":8,"method":"node_list"}`)
	require.Nil(t, resp.Error)
	var nodes rpc.NodeListResult
	require.NoError(t, json.Unmarshal(resp.Result, &nodes))
	require.Len(t, nodes.Nodes, 1)
	assert.Equal(t, nodeID, nodes.Nodes[0].ID)
}

func TestRouter_Auth(t *testing.T) {
	g := newGateway(t, nil)

	status, resp := g.rpc(t, "wrong", `{"id":1,"method":"cluster_status"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodePermissionDenied, resp.Error.Code)

	status, _ = g.rpc(t, "", `{"id":1,"method":"cluster_status"}`)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, httpResp, err := g.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, httpResp)
	assert.Equal(t, http.StatusUnauthorized, httpResp.StatusCode)
}

func TestRouter_EnvelopeErrors(t *testing.T) {
	g := newGateway(t, nil)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{"id":1,"method":`, rpc.CodeParseError},
		{"missing method", `{"id":1}`, rpc.CodeInvalidRequest},
		{"unknown method", `{"id":1,"method":"node_reboot"}`, rpc.CodeMethodNotFound},
		{"unknown param field", `{"id":1,"method":"node_get","params":{"nodeid":"x"}}`, rpc.CodeInvalidParams},
		{"malformed node id", `{"id":1,"method":"node_get","params":{"node_id":"not-a-uuid"}}`, rpc.CodeInvalidParams},
		{"unknown node", `{"id":1,"method":"node_get","params":{"node_id":"6f1c1d64-5c55-4a57-9a3a-7d0c2f3e9b11"}}`, rpc.CodeNotFound},
		{"invalid spec", `{"id":1,"method":"workload_submit","params":{"spec":{"image":"","resources":{},"timeout_secs":1}}}`, rpc.CodeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := g.rpc(t, testToken, tc.body)
			assert.Equal(t, http.StatusOK, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestRouter_NoCapacity(t *testing.T) {
	g := newGateway(t, nil)

	_, resp := g.rpc(t, testToken, `{"id":3,"method":"workload_submit","params":{"spec":{
		"image":"busybox","resources":{"cpu_millicores":1000,"memory_bytes":1073741824},"timeout_secs":60}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeResourceExhausted, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["reason"])
	assert.NotEmpty(t, data["workload_id"])
}

func TestRouter_AdmissionRateLimit(t *testing.T) {
	cfg := config.Default().Admission
	cfg.Rate.WindowMs = 60000
	cfg.Rate.MaxRequests = 2
	g := newGateway(t, &cfg)

	for i := 0; i < 2; i++ {
		status, resp := g.rpc(t, testToken, `{"id":1,"method":"cluster_status"}`)
		require.Equal(t, http.StatusOK, status)
		require.Nil(t, resp.Error)
	}

	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/rpc", bytes.NewBufferString(`{"id":1,"method":"cluster_status"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, httpResp.StatusCode)
	assert.NotEmpty(t, httpResp.Header.Get("Retry-After"))
	var out rpc.Response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, rpc.CodeResourceExhausted, out.Error.Code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	g := newGateway(t, nil)

	resp, err := http.Get(g.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	g.rpc(t, testToken, `{"id":1,"method":"cluster_status"}`)

	resp, err = http.Get(g.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "clawbernetes_rpc_requests_total")
}
