package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"bottleline/config"
	"bottleline/driver"
	"bottleline/engine"
	"bottleline/recipe"
)

type stubOpener struct {
	mu       sync.Mutex
	sessions []*stubSession
}

func (o *stubOpener) Open(driver.ConnectionConfig) (driver.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &stubSession{done: make(chan struct{}), writes: make(map[string]interface{})}
	o.sessions = append(o.sessions, s)
	return s, nil
}

func (o *stubOpener) last() *stubSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[len(o.sessions)-1]
}

type stubSession struct {
	mu     sync.Mutex
	done   chan struct{}
	closed bool
	writes map[string]interface{}
}

func (s *stubSession) Handshake(context.Context) error { return nil }
func (s *stubSession) Done() <-chan struct{}           { return s.done }
func (s *stubSession) Err() error                      { return nil }

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *stubSession) Read(_ context.Context, address, typeHint string) (*driver.TagValue, error) {
	return &driver.TagValue{Name: address, TypeName: typeHint, Value: int16(7)}, nil
}

func (s *stubSession) Write(_ context.Context, address, _ string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[address] = value
	return nil
}

func (s *stubSession) written(address string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.writes[address]
	return v, ok
}

func (s *stubSession) Subscribe(string, string, driver.Mode) (driver.Subscription, error) {
	return &stubSub{ch: make(chan driver.Sample)}, nil
}

type stubSub struct {
	once sync.Once
	ch   chan driver.Sample
}

func (s *stubSub) C() <-chan driver.Sample { return s.ch }
func (s *stubSub) Close()                  { s.once.Do(func() { close(s.ch) }) }

type testEnv struct {
	eng    *engine.Engine
	opener *stubOpener
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, users ...config.WebUser) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Reconnect.AutoStart = false
	cfg.Camera.Address = "http://10.0.0.5/stream"
	cfg.Tags = append(cfg.Tags, config.TagConfig{Name: "setpoint", Address: "DB1.DBW2", Type: "INT", Writable: true})
	cfg.Web.Users = users

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	opener := &stubOpener{}
	eng := engine.New(engine.Config{AppConfig: cfg, ConfigPath: path, Logger: zerolog.Nop(), Opener: opener})
	eng.Start()

	handler, cleanup := NewServer(eng, zerolog.Nop()).Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		cleanup()
		srv.Close()
		eng.Stop()
	})
	return &testEnv{eng: eng, opener: opener, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusAndConnect(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st StatusResponse
	decode(t, resp, &st)
	assert.Equal(t, "Disconnected", st.State)
	assert.False(t, st.AutoReconnect)

	resp = env.do(t, http.MethodPost, "/api/connect", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cr ConnectResponse
	decode(t, resp, &cr)
	assert.True(t, cr.Connected)
	assert.Equal(t, "Connected", cr.Status.State)
	assert.NotEmpty(t, cr.Status.SessionID)
	assert.Equal(t, config.DefaultPLCAddress, cr.Status.Address)

	resp = env.do(t, http.MethodPost, "/api/reconnect/start", "")
	decode(t, resp, &st)
	assert.True(t, st.AutoReconnect)

	resp = env.do(t, http.MethodPost, "/api/reconnect/stop", "")
	decode(t, resp, &st)
	assert.False(t, st.AutoReconnect)

	resp = env.do(t, http.MethodPost, "/api/disconnect", "")
	decode(t, resp, &st)
	assert.Equal(t, "Disconnected", st.State)
}

func TestReadWriteRequireConnection(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/read?address=DB1.DBW0&type=INT", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/write", `{"address":"DB1.DBW4","type":"INT","value":3}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var wr WriteResponse
	decode(t, resp, &wr)
	assert.False(t, wr.Success)
	assert.NotEmpty(t, wr.Error)

	require.True(t, env.eng.Connect(context.Background()))

	resp = env.do(t, http.MethodGet, "/api/read?address=DB1.DBW0&type=INT", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rr ReadResponse
	decode(t, resp, &rr)
	assert.Equal(t, "INT", rr.Type)
	assert.EqualValues(t, 7, rr.Value)

	resp = env.do(t, http.MethodGet, "/api/read", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/write", `{"address":"DB1.DBW4","type":"INT","value":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &wr)
	assert.True(t, wr.Success)
	v, ok := env.opener.last().written("DB1.DBW4")
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), v)

	resp = env.do(t, http.MethodPost, "/api/write", `{bad`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTags(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/tags", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tags []engine.TagSnapshot
	decode(t, resp, &tags)
	require.Len(t, tags, 2)
	assert.Equal(t, "bottles", tags[0].Name)
	assert.False(t, tags[0].Valid)

	resp = env.do(t, http.MethodGet, "/api/tags/setpoint", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/tags/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.True(t, env.eng.Connect(context.Background()))

	resp = env.do(t, http.MethodPost, "/api/tags/bottles", `{"value":1}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/tags/setpoint", `{"value":12}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wr WriteResponse
	decode(t, resp, &wr)
	assert.True(t, wr.Success)
	assert.Equal(t, "setpoint", wr.Tag)
	_, ok := env.opener.last().written("DB1.DBW2")
	assert.True(t, ok)
}

func TestRecipeCRUD(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/recipes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []recipe.Recipe
	decode(t, resp, &list)
	assert.Len(t, list, 5)

	resp = env.do(t, http.MethodPost, "/api/recipes", `{"name":"Lager","bottle_count":24,"plc_address":"DB1.DBW20"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created recipe.Recipe
	decode(t, resp, &created)
	assert.Equal(t, "Lager", created.Name)
	assert.Equal(t, 24, created.BottleCount)

	resp = env.do(t, http.MethodGet, "/api/recipes/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/recipes/999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path := "/api/recipes/" + itoa(created.ID)
	resp = env.do(t, http.MethodPut, path, `{"name":"Stout","bottle_count":12,"plc_address":"DB1.DBW20"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated recipe.Recipe
	decode(t, resp, &updated)
	assert.Equal(t, "Stout", updated.Name)

	resp = env.do(t, http.MethodPost, path+"/apply", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.True(t, env.eng.Connect(context.Background()))
	resp = env.do(t, http.MethodPost, path+"/apply", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ar ApplyResponse
	decode(t, resp, &ar)
	assert.True(t, ar.Success)
	v, ok := env.opener.last().written("DB1.DBW20")
	require.True(t, ok)
	assert.Equal(t, int16(12), v)

	resp = env.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishersAndCamera(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/publishers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pubs []engine.PublisherInfo
	decode(t, resp, &pubs)
	assert.Empty(t, pubs)

	resp = env.do(t, http.MethodPost, "/api/publishers/republish", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/publishers/mqtt/missing/start", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/api/publishers/smtp/x/stop", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/camera", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cam CameraResponse
	decode(t, resp, &cam)
	assert.Equal(t, "http://10.0.0.5/stream", cam.Address)
}

func TestBasicAuth(t *testing.T) {
	require.True(t, checkPassword("secret", mustHash(t, "secret")))
	require.False(t, checkPassword("wrong", mustHash(t, "secret")))

	env := newTestEnv(t, config.WebUser{Username: "operator", PasswordHash: mustHash(t, "secret")})

	resp := env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/status", nil)
	require.NoError(t, err)
	req.SetBasicAuth("operator", "wrong")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	req.SetBasicAuth("operator", "secret")
	good, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	good.Body.Close()
	assert.Equal(t, http.StatusOK, good.StatusCode)

	// metrics stay open for scrapers
	resp = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.eng.Connect(context.Background()))

	resp := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bottleline_plc_connection_state")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodOptions, "/api/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSSE(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/events?types=status", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "event: ") || strings.HasPrefix(line, "data: ") {
				events <- line
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case line := <-events:
			return line
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE line")
			return ""
		}
	}

	assert.Equal(t, "event: connected", next())
	next()
	assert.Equal(t, "event: status", next())
	assert.Contains(t, next(), `"state":"Disconnected"`)

	require.True(t, env.eng.Connect(context.Background()))

	// Connecting then Connected
	var sawConnected bool
	deadline := time.Now().Add(2 * time.Second)
	for !sawConnected && time.Now().Before(deadline) {
		line := next()
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"state":"Connected"`) {
			sawConnected = true
		}
	}
	assert.True(t, sawConnected)
}

func TestServerStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reconnect.AutoStart = false
	cfg.Web.Host = "127.0.0.1"
	cfg.Web.Port = 0

	eng := engine.New(engine.Config{AppConfig: cfg, Logger: zerolog.Nop(), Opener: &stubOpener{}})
	defer eng.Stop()

	srv := NewServer(eng, zerolog.Nop())
	assert.False(t, srv.IsRunning())
	assert.Equal(t, "http://127.0.0.1:0", srv.Address())

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.NotEqual(t, "http://127.0.0.1:0", srv.Address())

	resp, err := http.Get(srv.Address() + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop())
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}
