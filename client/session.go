// Package client is the Theas client runtime: it keeps the page's Theas parameters in
// sync with the server over async exchanges, surfaces server errors, and keeps the
// session alive with a heartbeat.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/modal"
	"github.com/DavidRueter/Theas/params"
)

// DefaultAsyncURL is where async exchanges are posted unless overridden.
const DefaultAsyncURL = "async"

// Sentinels a server may answer with instead of an envelope.
const (
	SentinelInvalidSession = "invalidSession"
	SentinelSessionOK      = "sessionOK"
)

// FormSnapshot supplies the named input values of the current page.
type FormSnapshot interface {
	Fields() []codec.Field
}

// FormFunc adapts a function to FormSnapshot.
type FormFunc func() []codec.Field

func (f FormFunc) Fields() []codec.Field { return f() }

// StaticForm is a fixed set of form fields.
type StaticForm []codec.Field

func (f StaticForm) Fields() []codec.Field { return f }

// Validator is implemented by forms that can check themselves before submission.
type Validator interface {
	Validate() error
}

// Navigator moves the page.
type Navigator interface {
	Navigate(target string)
	Back()
}

// Location is a geolocation fix.
type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Locator reports the device location.
type Locator interface {
	Locate(ctx context.Context) (Location, error)
}

// Session is the client runtime context. Every operation goes through it; there is no
// package-level state.
type Session struct {
	params    *params.Store
	modal     *modal.Stack
	transport Transport
	form      FormSnapshot
	nav       Navigator
	locator   Locator
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	asyncURL    string
	xsrf        string
	errorModal  bool
	scrub       []string
	locateAfter time.Duration

	now   func() time.Time
	newID func() string

	mu        sync.Mutex
	pending   []*PendingRequest
	lastError ErrorDescriptor
	submitted atomic.Bool
}

// Option configures a Session.
type Option func(*Session)

// WithParams uses an existing store.
func WithParams(p *params.Store) Option {
	return func(s *Session) { s.params = p }
}

// WithModal shows surfaced errors on stack.
func WithModal(stack *modal.Stack) Option {
	return func(s *Session) { s.modal = stack }
}

// WithForm sets the form whose fields are sent with every exchange.
func WithForm(f FormSnapshot) Option {
	return func(s *Session) { s.form = f }
}

// WithNavigator sets how the session changes pages.
func WithNavigator(n Navigator) Option {
	return func(s *Session) { s.nav = n }
}

// WithLocator enables location tracking.
func WithLocator(l Locator) Option {
	return func(s *Session) { s.locator = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithAsyncURL overrides DefaultAsyncURL.
func WithAsyncURL(u string) Option {
	return func(s *Session) { s.asyncURL = u }
}

// WithXSRF sets the token sent as _xsrf.
func WithXSRF(token string) Option {
	return func(s *Session) { s.xsrf = token }
}

// WithServerErrorModal controls whether errors reported in a successful response open
// the dialog. It is on by default.
func WithServerErrorModal(show bool) Option {
	return func(s *Session) { s.errorModal = show }
}

// WithScrubAfterSubmit names keys blanked once a form submission is encoded.
func WithScrubAfterSubmit(keys ...string) Option {
	return func(s *Session) { s.scrub = keys }
}

// WithLocateTimeout bounds each location refresh.
func WithLocateTimeout(d time.Duration) Option {
	return func(s *Session) { s.locateAfter = d }
}

// New returns a session that sends through t.
func New(t Transport, opts ...Option) *Session {
	s := &Session{
		transport:   t,
		asyncURL:    DefaultAsyncURL,
		errorModal:  true,
		scrub:       []string{"Login$Password"},
		locateAfter: 2 * time.Second,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.params == nil {
		s.params = params.NewStore()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/DavidRueter/Theas/client")
	}
	return s
}

// Params returns the session's parameter store.
func (s *Session) Params() *params.Store { return s.params }

// Modal returns the dialog stack, which may be nil.
func (s *Session) Modal() *modal.Stack { return s.modal }

func (s *Session) Logger() *slog.Logger { return s.logger }

// LastFetch returns the lastFetch marker the server last sent.
func (s *Session) LastFetch() string { return s.params.Get(params.LastFetch) }

func (s *Session) formFields(f FormSnapshot) []codec.Field {
	if f == nil {
		f = s.form
	}
	if f == nil {
		return nil
	}
	return f.Fields()
}

// refreshLocation stores and returns the current location. ok is false when tracking
// is disabled. A failed fix clears the stored value.
func (s *Session) refreshLocation(ctx context.Context) (value string, ok bool) {
	if s.locator == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, s.locateAfter)
	defer cancel()
	loc, err := s.locator.Locate(ctx)
	if err != nil {
		s.logger.Debug("location unavailable", "err", err)
		s.params.Set(params.CurrentLocation, "")
		return "", true
	}
	b, _ := json.Marshal(loc)
	s.params.Set(params.CurrentLocation, string(b))
	return string(b), true
}

func (s *Session) navigate(target string) {
	if target == "" {
		return
	}
	if s.nav == nil {
		s.logger.Info("navigation requested without a navigator", "target", target)
		return
	}
	s.nav.Navigate(target)
}
