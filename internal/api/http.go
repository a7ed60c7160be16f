// Package api mounts the services on the HTTP and gRPC transports.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
	goa "goa.design/goa/v3/pkg"

	mw "medlabel/internal/middleware"
	"medlabel/internal/services"
)

// Preview serves the per-channel MJPEG stream and snapshots
type Preview interface {
	ServeStream(w http.ResponseWriter, r *http.Request, channel string)
	ServeSnapshot(w http.ResponseWriter, r *http.Request, channel string)
}

// Services groups everything the HTTP transport exposes. Preview, Events
// and Auth are optional.
type Services struct {
	Commands *services.CommandService
	Channels *services.ChannelService
	Events   *services.EventService
	Health   *services.HealthService
	Auth     *services.AuthService
	Tokens   mw.TokenValidator
	Preview  Preview
	Socket   http.Handler
}

// publicPaths bypass authentication
var publicPaths = []string{"/healthz", "/readyz", "/api/v1/auth/login", "/api/v1/auth/status"}

// errorBody mirrors the goa error response
type errorBody struct {
	Name    string `json:"name"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// NewHandler builds the HTTP handler with the goa muxer and middleware
func NewHandler(svc Services, logger *log.Logger) http.Handler {
	h := &httpHandlers{svc: svc, logger: logger}

	mux := goahttp.NewMuxer()
	h.mux = mux
	mux.Handle(http.MethodGet, "/healthz", h.healthz)
	mux.Handle(http.MethodGet, "/readyz", h.readyz)
	mux.Handle(http.MethodPost, "/api/v1/commands", h.executeCommands)
	mux.Handle(http.MethodGet, "/api/v1/channels", h.listChannels)
	mux.Handle(http.MethodGet, "/api/v1/channels/{name}", h.getChannel)
	if svc.Events != nil {
		mux.Handle(http.MethodGet, "/api/v1/events", h.listEvents)
		mux.Handle(http.MethodGet, "/api/v1/logs", h.listLogs)
	}
	if svc.Auth != nil {
		mux.Handle(http.MethodPost, "/api/v1/auth/login", h.login)
		mux.Handle(http.MethodGet, "/api/v1/auth/status", h.authStatus)
	}
	if svc.Preview != nil {
		mux.Handle(http.MethodGet, "/stream/{name}", h.stream)
		mux.Handle(http.MethodGet, "/stream/{name}/snapshot", h.snapshot)
	}
	if svc.Socket != nil {
		mux.Handle(http.MethodGet, "/ws/events", svc.Socket.ServeHTTP)
	}

	var handler http.Handler = mux
	if svc.Tokens != nil {
		handler = mw.AuthMiddleware(svc.Tokens, publicPaths...)(handler)
	}
	handler = httpmdlwr.Log(middleware.NewLogger(logger))(handler)
	handler = httpmdlwr.RequestID()(handler)
	return handler
}

type httpHandlers struct {
	svc    Services
	logger *log.Logger
	mux    goahttp.Muxer
}

func (h *httpHandlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health.Healthz(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandlers) readyz(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Health.Readyz(r.Context())
	if err != nil {
		h.logger.Printf("[API] readiness failed: %v", err)
		h.encode(w, r, http.StatusServiceUnavailable, res)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) executeCommands(w http.ResponseWriter, r *http.Request) {
	var req services.ExecuteRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		h.writeError(w, r, goa.DecodePayloadError(err.Error()))
		return
	}
	res, err := h.svc.Commands.Execute(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) listChannels(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Channels.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) getChannel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Channels.Get(r.Context(), h.mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Events.List(r.Context(), r.URL.Query().Get("channel"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.Events.Logs(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) login(w http.ResponseWriter, r *http.Request) {
	var p services.LoginPayload
	if err := goahttp.RequestDecoder(r).Decode(&p); err != nil {
		h.writeError(w, r, goa.DecodePayloadError(err.Error()))
		return
	}
	res, err := h.svc.Auth.Login(r.Context(), &p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.encode(w, r, http.StatusOK, res)
}

func (h *httpHandlers) authStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// The status route is public, so an offered token is checked here.
	if h.svc.Tokens != nil {
		if claims := mw.ClaimsFromRequest(h.svc.Tokens, r); claims != nil {
			ctx = mw.WithUser(ctx, claims)
		}
	}
	h.encode(w, r, http.StatusOK, h.svc.Auth.Status(ctx))
}

func (h *httpHandlers) stream(w http.ResponseWriter, r *http.Request) {
	h.svc.Preview.ServeStream(w, r, h.mux.Vars(r)["name"])
}

func (h *httpHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	h.svc.Preview.ServeSnapshot(w, r, h.mux.Vars(r)["name"])
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, goa.InvalidFieldTypeError("limit", s, "integer")
	}
	return n, nil
}

func (h *httpHandlers) encode(w http.ResponseWriter, r *http.Request, status int, v any) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		h.logger.Printf("[%s] ERROR: encoding: %v", requestID(r.Context()), err)
	}
}

// writeError maps service errors to status codes. Validation errors from
// goa are client errors unless flagged as faults.
func (h *httpHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	id := requestID(r.Context())
	status := http.StatusInternalServerError
	body := errorBody{Name: "fault", ID: id, Message: err.Error()}

	var serr *goa.ServiceError
	switch {
	case errors.As(err, &serr):
		body.Name = serr.Name
		status = http.StatusBadRequest
		if serr.Fault {
			status = http.StatusInternalServerError
		}
	case errors.Is(err, services.ErrNotFound):
		body.Name = "not_found"
		status = http.StatusNotFound
	case errors.Is(err, services.ErrUnauthorized):
		body.Name = "unauthorized"
		status = http.StatusUnauthorized
	}

	if status >= http.StatusInternalServerError {
		h.logger.Printf("[%s] ERROR: %s", id, err.Error())
	}
	h.encode(w, r, status, body)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
