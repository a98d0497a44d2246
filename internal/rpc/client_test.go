package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint(t *testing.T) {
	cases := map[string]string{
		"ws://0.0.0.0:8080/":     "http://0.0.0.0:8080/rpc",
		"wss://gw.example.com":   "https://gw.example.com/rpc",
		"http://localhost:8080":  "http://localhost:8080/rpc",
		"https://gw/prefix/?x=1": "https://gw/prefix/rpc",
	}
	for in, want := range cases {
		got, err := Endpoint(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"ftp://x", "ws://", "::"} {
		_, err := Endpoint(bad)
		assert.Error(t, err, bad)
	}
}

func TestClient_Call(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		switch got.Method {
		case MethodNodeGet:
			resp := NewErrorResponse(got.ID, Errorf(CodeNotFound, "node not registered"))
			_ = json.NewEncoder(w).Encode(resp)
		default:
			resp, _ := NewResult(got.ID, WorkloadScaleResult{})
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret", time.Second)
	require.NoError(t, err)

	var res WorkloadScaleResult
	require.NoError(t, c.Call(context.Background(), MethodWorkloadScale, WorkloadScaleParams{WorkloadID: "w", Replicas: 2}, &res))
	assert.Equal(t, MethodWorkloadScale, got.Method)
	assert.Equal(t, uint64(1), got.ID)
	assert.JSONEq(t, `{"workload_id":"w","replicas":2}`, string(got.Params))

	err = c.Call(context.Background(), MethodNodeGet, NodeParams{NodeID: "n"}, nil)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodeNotFound, rpcErr.Code)
	assert.Equal(t, uint64(2), got.ID)
}

func TestClient_RejectedStatusCarriesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(NewErrorResponse(0, Errorf(CodePermissionDenied, "unauthorized")))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", time.Second)
	require.NoError(t, err)
	err = c.Call(context.Background(), MethodClusterStatus, nil, nil)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, CodePermissionDenied, rpcErr.Code)
}

func TestClient_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, "", time.Second)
	require.NoError(t, err)
	err = c.Call(context.Background(), MethodClusterStatus, nil, nil)
	assert.ErrorIs(t, err, ErrConnection)
}
