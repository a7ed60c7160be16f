package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"medlabel/internal/auth"
	"medlabel/internal/config"
	"medlabel/internal/database"
	"medlabel/internal/pipeline"
	"medlabel/internal/services"
	"medlabel/internal/stream"
)

type idleSource struct{}

func (idleSource) Start()                      {}
func (idleSource) Stop()                       {}
func (idleSource) GetLatest() *pipeline.Frame  { return nil }
func (idleSource) Stats() pipeline.SourceStats { return pipeline.SourceStats{} }

type idleBuilder struct{}

func (idleBuilder) NewWorker(cfg pipeline.ChannelConfig) (*pipeline.ChannelWorker, error) {
	opts := pipeline.DefaultWorkerOptions()
	opts.CycleSleep = time.Millisecond
	return pipeline.NewChannelWorker(cfg, pipeline.WorkerDeps{Source: idleSource{}}, opts), nil
}

type fixture struct {
	manager  *pipeline.ChannelManager
	db       *database.Database
	preview  *stream.MJPEGStreamManager
	commands *services.CommandService
	handler  http.Handler
}

func newFixture(t *testing.T, authCfg config.AuthConfig) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	m := pipeline.NewChannelManager(idleBuilder{}, nil, nil)
	t.Cleanup(m.Close)

	authenticator, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)

	f := &fixture{
		manager:  m,
		db:       db,
		preview:  stream.NewMJPEGStreamManager(),
		commands: services.NewCommandService(m, nil, "label-v1", nil),
	}
	f.handler = NewHandler(Services{
		Commands: f.commands,
		Channels: services.NewChannelService(m),
		Events:   services.NewEventService(db),
		Health:   services.NewHealthService(db, nil),
		Auth:     services.NewAuthService(authenticator),
		Tokens:   authenticator,
		Preview:  f.preview,
	}, log.New(io.Discard, "", 0))
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

const startBody = `{"execute_commands":[{"command":"START","name":"line-1","input_url":"rtsp://cam/1","call_back_url":"http://hooks.local/camera","rotation":"ROTATE_90"}]}`

func TestCommandsOverHTTP(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/commands", startBody, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp services.ExecuteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "channel started", resp.Message)

	rec = f.do(t, http.MethodGet, "/api/v1/channels/line-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st pipeline.ChannelStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, pipeline.StateRunning, st.State)
	assert.Equal(t, pipeline.Rotation90Clockwise, st.Config.Rotation)
	assert.Equal(t, "label-v1", st.Config.Model)

	rec = f.do(t, http.MethodGet, "/api/v1/channels", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []pipeline.ChannelStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/channels/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandValidationIsBadRequest(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	rec := f.do(t, http.MethodPost, "/api/v1/commands", `{"execute_commands":[{"command":"START","name":"x"}]}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "input_url")

	rec = f.do(t, http.MethodPost, "/api/v1/commands", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, f.manager.List())
}

func TestEventsAndLogs(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	require.NoError(t, f.db.SaveWebhookEvent(&database.WebhookEventRecord{ID: "e1", Channel: "line-1", Lot: "A1", Delivered: true}))
	require.NoError(t, f.db.SaveWebhookEvent(&database.WebhookEventRecord{ID: "e2", Channel: "line-2"}))

	rec := f.do(t, http.MethodGet, "/api/v1/events?channel=line-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []services.EventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "A1", events[0].Lot)

	rec = f.do(t, http.MethodGet, "/api/v1/events?limit=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/logs", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthProbes(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code)
	rec := f.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":true`)

	f.db.Close()
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", "", "").Code)
}

func TestAuthenticationFlow(t *testing.T) {
	f := newFixture(t, config.AuthConfig{Enabled: true, Username: "admin", Password: "s3cret", JWTSecret: "test-secret", TokenTTL: time.Hour})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/channels", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", "").Code)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"wrong"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login", `{"username":"admin","password":"s3cret"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login services.LoginResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/channels", "", login.Token).Code)

	rec = f.do(t, http.MethodGet, "/api/v1/auth/status", "", login.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	var st services.AuthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Enabled)
	assert.True(t, st.Authenticated)
	require.NotNil(t, st.Username)
	assert.Equal(t, "admin", *st.Username)
}

func TestSnapshotRoute(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/stream/line-1/snapshot", "", "").Code)

	f.preview.SetAnnotatedFrame("line-1", 1, []byte("jpeg"))
	rec := f.do(t, http.MethodGet, "/stream/line-1/snapshot", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Equal([]byte("jpeg"), rec.Body.Bytes()))
}

func dialBufconn(t *testing.T, srv *grpc.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestCommandsOverGRPC(t *testing.T) {
	f := newFixture(t, config.AuthConfig{})
	conn := dialBufconn(t, NewGRPCServer(f.commands, log.New(io.Discard, "", 0)))
	client := NewCommandClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Execute(ctx, &services.ExecuteRequest{Commands: []*services.Directive{{
		Command:     "START",
		Name:        "line-1",
		InputURL:    "rtsp://cam/1",
		CallbackURL: "http://hooks.local/camera",
	}}})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "line-1", resp.Results[0].Name)
	assert.Equal(t, 1, f.manager.Running())

	resp, err = client.Execute(ctx, &services.ExecuteRequest{Commands: []*services.Directive{{Command: "STOP", Name: "line-9"}}})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	_, err = client.Execute(ctx, &services.ExecuteRequest{Commands: []*services.Directive{{Command: "PAUSE", Name: "line-1"}}})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
