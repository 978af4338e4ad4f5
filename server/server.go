// Package server is a reference Theas server. It keeps each session's parameters in a
// Store, answers heartbeats, and hands async requests to an optional Proc.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/params"
)

// CookieName carries the session token.
const CookieName = "theas_th_ST"

const maxFormMemory = 32 << 20

type Server struct {
	store    Store
	proc     Proc
	logger   *slog.Logger
	tracer   trace.Tracer
	router   *mux.Router
	requests *prometheus.CounterVec
	newToken func() string
}

type Option func(*Server)

// WithProc sets the procedure run for async requests and form posts.
func WithProc(p Proc) Option {
	return func(s *Server) { s.proc = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithRegisterer registers the server's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { reg.MustRegister(s.requests) }
}

func New(store Store, opts ...Option) *Server {
	s := &Server{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/DavidRueter/Theas/server"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "theas",
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests by route and command.",
		}, []string{"route", "command"}),
		newToken: uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/async", s.handleAsync).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/async/{resource}", s.handleAsync).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/", s.handlePage).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/{page}", s.handlePage).Methods(http.MethodGet, http.MethodPost)
	s.router = r
	return s
}

// Router exposes the router so callers can mount more routes.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.startSpan(r, "theas.server.async")
	defer span.End()

	if err := parseForm(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd := r.FormValue("cmd")
	span.SetAttributes(attribute.String("theas.command", cmd))
	s.requests.WithLabelValues("async", cmd).Inc()

	token, values, err := s.loadSession(ctx, r)
	if cmd == params.CmdHeartbeat {
		if err != nil {
			s.logger.Debug("heartbeat without session", "err", err)
			writeText(w, "invalidSession")
			return
		}
		writeText(w, "sessionOK")
		return
	}
	if err != nil && !errors.Is(err, ErrNoSession) {
		s.logger.Error("load session", "err", err)
		http.Error(w, "session store unavailable", http.StatusInternalServerError)
		return
	}
	if token == "" {
		token, values = s.newSession(w)
	}

	s.process(ctx, w, r, token, values, cmd, mux.Vars(r)["resource"])
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.startSpan(r, "theas.server.page")
	defer span.End()

	if err := parseForm(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd := r.FormValue("cmd")
	s.requests.WithLabelValues("page", cmd).Inc()

	token, values, err := s.loadSession(ctx, r)
	if err != nil && !errors.Is(err, ErrNoSession) {
		s.logger.Error("load session", "err", err)
		http.Error(w, "session store unavailable", http.StatusInternalServerError)
		return
	}
	if token == "" {
		token, values = s.newSession(w)
	}

	s.process(ctx, w, r, token, values, cmd, mux.Vars(r)["page"])
}

// process applies the request's Theas fields to the session, runs the procedure and
// writes either its explicit response or the session's parameters.
func (s *Server) process(ctx context.Context, w http.ResponseWriter, r *http.Request, token string, values map[string]string, cmd, resource string) {
	page := params.NewStore()
	page.Replace(values)
	form := applyRequest(page, r)
	page.Set(params.NextPage, "")

	if cmd == params.CmdClearError {
		page.Set(params.ErrorMessage, "")
	}

	var response string
	if s.proc != nil && cmd != params.CmdClearError {
		res, err := s.proc.Call(ctx, ProcCall{
			Resource:    resource,
			Command:     cmd,
			FormParams:  form,
			TheasParams: codec.EncodeEnvelope(page.Snapshot()),
			HTTPParams:  r.URL.RawQuery,
		})
		if err != nil {
			s.logger.Error("async procedure failed", "command", cmd, "resource", resource, "err", err)
			page.Set(params.ErrorMessage, procFailure(err))
		} else {
			s.logger.Debug("async procedure", "command", cmd, "rows", res.Rows)
			if res.TheasParams != "" {
				if decoded, err := codec.DecodeEnvelope(res.TheasParams); err != nil {
					s.logger.Warn("procedure returned unreadable parameters", "err", err)
				} else {
					page.Merge(decoded)
				}
			}
			response = res.AsyncResponse
		}
	}
	page.Set(params.PerformUpdate, "")

	if err := s.store.Save(ctx, token, page.Snapshot()); err != nil {
		s.logger.Error("save session", "err", err)
		http.Error(w, "session store unavailable", http.StatusInternalServerError)
		return
	}
	if response == "" {
		response = codec.EncodeEnvelope(page.Snapshot())
	}
	writeText(w, response)
}

func (s *Server) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return s.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

// loadSession returns the session named by the request cookie. token is empty when
// the request carries no usable session.
func (s *Server) loadSession(ctx context.Context, r *http.Request) (string, map[string]string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return "", nil, ErrNoSession
	}
	values, err := s.store.Load(ctx, c.Value)
	if err != nil {
		return "", nil, err
	}
	return c.Value, values, nil
}

func (s *Server) newSession(w http.ResponseWriter) (string, map[string]string) {
	token := s.newToken()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Debug("session created")
	return token, map[string]string{params.ErrorMessage: ""}
}

func parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(maxFormMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return fmt.Errorf("parse form: %w", err)
	}
	return nil
}

// applyRequest writes the request's Theas fields into page and returns the other
// fields URL-encoded. Repeated fields keep their first value.
func applyRequest(page *params.Store, r *http.Request) string {
	theas := make(map[string]string)
	var form []codec.Field
	for _, name := range slices.Sorted(maps.Keys(r.Form)) {
		vals := r.Form[name]
		if len(vals) == 0 {
			continue
		}
		if params.IsWireName(name) {
			theas[name] = vals[0]
			continue
		}
		form = append(form, codec.Field{Name: name, Value: vals[0]})
	}
	page.Merge(theas)
	return string(codec.EncodeForm(form).Data)
}

func procFailure(err error) string {
	technical := strings.ReplaceAll(err.Error(), "|", "/")
	return technical + "|The request could not be completed.|false|Error"
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, body)
}
