package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "github.com/BruceKZ/cfreminder-bot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	s := New(Config{}, func(context.Context) any {
		return map[string]int{"recipients": 3}
	}, logx.Nop())

	h := s.Handler(Config{})
	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/status.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body["recipients"])

	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", "").Code)
	require.Equal(t, http.StatusOK, get(t, s.Handler(Config{Pprof: true}), "/debug/pprof/", "").Code)
}

func TestHandlerToken(t *testing.T) {
	h := New(Config{}, nil, logx.Nop()).Handler(Config{Token: "s3cret"})

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", "").Code)
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, s.Supervisor())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", string(b))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	require.Empty(t, s.Addr())
	require.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	require.True(t, isLoopbackAddr("127.0.0.1:6060"))
	require.True(t, isLoopbackAddr("localhost:1"))
	require.True(t, isLoopbackAddr("[::1]:6060"))
	require.False(t, isLoopbackAddr(":6060"))
	require.False(t, isLoopbackAddr("0.0.0.0:6060"))
	require.False(t, isLoopbackAddr("nonsense"))
}
