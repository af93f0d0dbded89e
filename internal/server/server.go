// Package server implements the uwbd admin HTTP API: a plain JSON/REST
// surface for opening, starting, stopping, reconfiguring, and monitoring
// ranging sessions, plus a retained ConnectRPC health endpoint.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"

	uwbmetrics "github.com/dantte-lp/uwbd/internal/metrics"
	"github.com/dantte-lp/uwbd/internal/native"
	"github.com/dantte-lp/uwbd/internal/uwb"
)

// Sentinel errors for the admin API.
var (
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownChip   = errors.New("unknown chip id")
	ErrBadAddress    = errors.New("malformed uwb address")
	ErrBadProtocol   = errors.New("protocol must be fira, ccc, or aliro")
	ErrBadImportance = errors.New("level must be foreground, background, or gone")
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// Server adapts the uwb package's Serializer and Registry onto an HTTP
// admin API. One Server instance backs the whole daemon: chip scoping
// happens per-request via SessionConfig.ChipID.
type Server struct {
	serializer *uwb.Serializer
	registry   *uwb.Registry
	metrics    *uwbmetrics.Collector
	importance *native.ImportanceService
	hub        *eventHub
	logger     *slog.Logger
	nextHandle atomic.Uint64
}

// Config carries the dependencies a Server is built from. Metrics may be
// nil, in which case session lifecycle events are not recorded. Importance
// may be nil, in which case the fg/bg report endpoint is unavailable.
type Config struct {
	Serializer *uwb.Serializer
	Registry   *uwb.Registry
	Metrics    *uwbmetrics.Collector
	Importance *native.ImportanceService
	Logger     *slog.Logger
}

// New creates a Server ready to be mounted via Router.
func New(cfg Config) *Server {
	return &Server{
		serializer: cfg.Serializer,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		importance: cfg.Importance,
		hub:        newEventHub(),
		logger:     cfg.Logger.With(slog.String("component", "server")),
	}
}

// Router builds the chi.Mux for the admin API, with logging, recovery, and
// (if authSecret is non-empty) bearer-token auth applied to every route,
// plus a ConnectRPC grpc.health.v1 handler mounted alongside it, reusing
// the upstream grpchealth package directly (no protobuf service of its own
// to report on; the static checker just names the process as serving).
func (s *Server) Router(authSecret string) *chi.Mux {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(AuthMiddleware(authSecret))

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleOpen)
		r.Get("/", s.handleList)
		r.Get("/closed", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.registry.RecentlyClosed())
		})
		r.Route("/{handle}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDeinit)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/reconfigure", s.handleReconfigure)
			r.Post("/data", s.handleSendData)
			r.Get("/events", s.handleEvents)
		})
	})
	r.Post("/v1/importance", s.handleImportance)

	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName)
	r.Mount(grpchealth.NewHandler(checker))

	return r
}

// -------------------------------------------------------------------------
// Request/Response Types
// -------------------------------------------------------------------------

type openRequest struct {
	Handle        uint64   `json:"handle,omitempty"`
	SessionID     uint32   `json:"session_id"`
	ChipID        string   `json:"chip_id"`
	Protocol      string   `json:"protocol"`
	Role          string   `json:"role"`
	UID           uint32   `json:"uid"`
	Privileged    bool     `json:"privileged"`
	StackPriority uint8    `json:"stack_priority"`
}

type sessionView struct {
	Handle   uwb.SessionHandle `json:"handle"`
	SessionID uint32           `json:"session_id"`
	ChipID   string            `json:"chip_id"`
	Protocol string            `json:"protocol"`
	State    string            `json:"state"`
	UID      uint32            `json:"uid"`
	Controlees int             `json:"controlees"`
}

type reconfigureBody struct {
	AddControlees []string `json:"add_controlees"`
	RemoveAddrs   []string `json:"remove_addrs"`
	StackPriority *uint8   `json:"stack_priority,omitempty"`
}

type sendDataBody struct {
	Address string `json:"address"`
	Payload []byte `json:"payload"`
}

type importanceRequest struct {
	UID   uint32 `json:"uid"`
	Level string `json:"level"`
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	protocol, err := parseProtocol(req.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	role := uwb.RoleController
	if req.Role == "controlee" {
		role = uwb.RoleControlee
	}

	handle := uwb.SessionHandle(req.Handle)
	if handle == 0 {
		handle = uwb.SessionHandle(s.nextHandle.Add(1))
	}

	params := defaultParamsFor(protocol, role)

	cfg := uwb.SessionConfig{
		Handle:        handle,
		SessionID:     uwb.SessionID(req.SessionID),
		Type:          uwb.SessionTypeRanging,
		Protocol:      protocol,
		ChipID:        uwb.ChipID(req.ChipID),
		UID:           req.UID,
		Privileged:    req.Privileged,
		Params:        params,
		StackPriority: req.StackPriority,
		Callbacks:     newSessionCallbacks(handle, req.ChipID, protocol.String(), s.hub, s.metrics),
	}
	if cfg.StackPriority == 0 {
		cfg.StackPriority = uwb.PriorityFG
	}

	if err := s.serializer.OpenRanging(r.Context(), cfg); err != nil {
		s.hub.drop(handle)
		writeError(w, http.StatusConflict, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"handle": handle})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.All()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, viewOf(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sess, ok := s.registry.ByHandle(handle)
	if !ok {
		writeError(w, http.StatusNotFound, uwb.ErrSessionNotFound)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.serializer.StartRanging(r.Context(), handle); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.serializer.StopRanging(r.Context(), handle); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeinit(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.serializer.Deinit(r.Context(), handle); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	s.hub.drop(handle)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body reconfigureBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	add, err := parseAddresses(body.AddControlees)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	remove, err := parseAddresses(body.RemoveAddrs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var newParams *uwb.Params
	if body.StackPriority != nil {
		sess, ok := s.registry.ByHandle(handle)
		if !ok {
			writeError(w, http.StatusNotFound, uwb.ErrSessionNotFound)
			return
		}
		p := sess.Params().WithStackPriority(*body.StackPriority)
		newParams = &p
	}

	req := uwb.ReconfigureRequest{
		NewParams:     newParams,
		AddControlees: add,
		RemoveAddrs:   remove,
	}

	if err := s.serializer.Reconfigure(r.Context(), handle, req); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendData(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var body sendDataBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	addr, err := uwb.ParseUwbAddress(body.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", ErrBadAddress, err))
		return
	}

	if err := s.serializer.SendData(r.Context(), handle, addr, body.Payload); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents streams newline-delimited JSON events for one session using
// chunked transfer encoding, long-polling the session's event ring the way
// the teacher's WatchSessionEvents streams state changes over gRPC.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	handle, err := handleParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrStreamingUnsupported)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ring := s.hub.ringFor(handle)
	enc := json.NewEncoder(w)
	bw := bufio.NewWriter(w)
	enc.SetEscapeHTML(false)

	cursor := 0
	for {
		events, next := ring.drainFrom(cursor, r.Context().Done())
		if r.Context().Err() != nil {
			return
		}
		cursor = next

		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
		if err := bw.Flush(); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleImportance reports a client uid's process-importance level, driving
// the fg/bg observer's priority and bg-app-timer recomputation (spec §4.7,
// §6: "a manually-driven, HTTP-admin-API-controlled process-importance
// feed" standing in for the platform's own importance notifications).
func (s *Server) handleImportance(w http.ResponseWriter, r *http.Request) {
	if s.importance == nil {
		writeError(w, http.StatusNotImplemented, errors.New("importance reporting is not configured"))
		return
	}

	var req importanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	level, err := parseImportanceLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.importance.Report(req.UID, level)
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Conversion Helpers
// -------------------------------------------------------------------------

func handleParam(r *http.Request) (uwb.SessionHandle, error) {
	raw := chi.URLParam(r, "handle")
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse handle %q: %w", raw, err)
	}
	return uwb.SessionHandle(v), nil
}

func parseProtocol(s string) (uwb.Protocol, error) {
	switch s {
	case "fira":
		return uwb.ProtocolFira, nil
	case "ccc":
		return uwb.ProtocolCcc, nil
	case "aliro":
		return uwb.ProtocolAliro, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrBadProtocol)
	}
}

func parseImportanceLevel(s string) (native.ImportanceLevel, error) {
	switch s {
	case "foreground":
		return native.ImportanceLevelForeground, nil
	case "background":
		return native.ImportanceLevelBackground, nil
	case "gone":
		return native.ImportanceLevelGone, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, ErrBadImportance)
	}
}

func parseAddresses(raw []string) ([]uwb.UwbAddress, error) {
	out := make([]uwb.UwbAddress, 0, len(raw))
	for _, s := range raw {
		addr, err := uwb.ParseUwbAddress(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadAddress, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func defaultParamsFor(protocol uwb.Protocol, role uwb.DeviceRole) uwb.Params {
	base := uwb.Params{
		RangingInterval: 200 * time.Millisecond,
		Role:            role,
		Measurement:     uwb.MeasurementTwoWay,
	}
	switch protocol {
	case uwb.ProtocolCcc:
		p := uwb.NewCccParams(uwb.CccParams{})
		p.RangingInterval, p.Role, p.Measurement = base.RangingInterval, base.Role, base.Measurement
		return p
	case uwb.ProtocolAliro:
		p := uwb.NewAliroParams(uwb.AliroParams{})
		p.RangingInterval, p.Role, p.Measurement = base.RangingInterval, base.Role, base.Measurement
		return p
	default:
		p := uwb.NewFiraParams(uwb.FiraParams{ProtocolVersionMajor: 2})
		p.RangingInterval, p.Role, p.Measurement = base.RangingInterval, base.Role, base.Measurement
		return p
	}
}

func viewOf(sess *uwb.Session) sessionView {
	return sessionView{
		Handle:     sess.Handle,
		SessionID:  uint32(sess.SessionID),
		ChipID:     string(sess.ChipID),
		Protocol:   sess.Protocol.String(),
		State:      sess.State().String(),
		UID:        sess.UID,
		Controlees: sess.ControleeCount(),
	}
}

// -------------------------------------------------------------------------
// JSON Response Helpers
// -------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
