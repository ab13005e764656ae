// Package api exposes the usage manager and the platform registry over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/developingchet/privacy-record/internal/notifier"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/platform"
	"github.com/developingchet/privacy-record/internal/usage"
)

// Manager is the subset of the usage manager served over HTTP.
type Manager interface {
	AddPermissionUsedRecord(appID uint32, name string, successCount, failCount int32) error
	StartUsingPermission(appID uint32, name string, release usage.ReleaseFunc) error
	StopUsingPermission(appID uint32, name string) error
	IsAllowedUsingPermission(appID uint32, name string) bool
	RemovePermissionUsedRecords(appID uint32, deviceID string) error
	RegisterActiveStatusCallback(names []string, sub notifier.Subscriber) error
	UnregisterActiveStatusCallback(id string) error
	GetPermissionUsedRecordsAsync(ctx context.Context, req usage.Request, cb func(usage.Result, error))
}

// Platform is the mutable side of the platform registry.
type Platform interface {
	PutApp(app platform.App)
	SetAppState(appID uint32, status permission.Status) error
	SetFloatWindow(appID uint32, visible bool) error
	SetMuted(res permission.Resource, muted bool) error
}

// Config holds API settings.
type Config struct {
	// Token is the bearer token; empty disables auth.
	Token string
	// WebhookTimeout bounds each webhook and release POST.
	WebhookTimeout time.Duration
	// LocalDeviceID is assigned to apps registered without a device.
	LocalDeviceID string
}

// Response is the envelope of every reply.
type Response struct {
	Code    permission.Code `json:"code"`
	Message string          `json:"message"`
	Data    interface{}     `json:"data,omitempty"`
}

// Server routes HTTP requests to the manager and platform.
type Server struct {
	cfg      Config
	manager  Manager
	platform Platform
	client   *http.Client
	log      zerolog.Logger
}

// New returns a Server.
func New(cfg Config, m Manager, p Platform, log zerolog.Logger) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Second
	}
	return &Server{
		cfg:      cfg,
		manager:  m,
		platform: p,
		client:   &http.Client{Timeout: cfg.WebhookTimeout},
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(s.auth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/records", s.handleAddRecord)
		r.Post("/records/query", s.handleQuery)
		r.Delete("/records/{appID}", s.handleRemoveRecords)

		r.Post("/usage/start", s.handleStart)
		r.Post("/usage/stop", s.handleStop)
		r.Get("/usage/allowed", s.handleAllowed)

		r.Post("/subscribers", s.handleRegister)
		r.Delete("/subscribers", s.handleUnregister)

		r.Put("/apps/{appID}", s.handlePutApp)
		r.Put("/apps/{appID}/state", s.handleAppState)
		r.Put("/apps/{appID}/float-window", s.handleFloatWindow)
		r.Put("/switches/{resource}", s.handleSwitch)
	})
	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			write(w, http.StatusUnauthorized, Response{
				Code:    permission.CodeParamInvalid,
				Message: "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = r.Method + " " + rc.RoutePattern()
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(sr.status)).Inc()
	})
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeResult maps a manager outcome to a reply.
func writeResult(w http.ResponseWriter, err error, data interface{}) {
	code := permission.CodeOf(err)
	write(w, httpStatus(code), Response{
		Code:    code,
		Message: permission.CodeName(code),
		Data:    data,
	})
}

func httpStatus(c permission.Code) int {
	switch c {
	case permission.Success:
		return http.StatusOK
	case permission.CodeParamInvalid, permission.CodePermissionNotExist:
		return http.StatusBadRequest
	case permission.CodeTokenIDNotExist, permission.CodeCallbackNotExist:
		return http.StatusNotFound
	case permission.CodePermissionAlreadyStartUsing, permission.CodePermissionNotStartUsing,
		permission.CodeCallbackAlreadyExist:
		return http.StatusConflict
	case permission.CodeCallbacksExceedLimitation:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// read decodes a JSON body into v, replying 400 on failure.
func read(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		write(w, http.StatusBadRequest, Response{
			Code:    permission.CodeParamInvalid,
			Message: fmt.Sprintf("read body: %s", err),
		})
		return false
	}
	return true
}

func appIDParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	return parseAppID(w, chi.URLParam(r, "appID"))
}

func parseAppID(w http.ResponseWriter, raw string) (uint32, bool) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		write(w, http.StatusBadRequest, Response{
			Code:    permission.CodeParamInvalid,
			Message: fmt.Sprintf("invalid app id %q", raw),
		})
		return 0, false
	}
	return uint32(id), true
}
