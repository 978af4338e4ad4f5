package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/params"
)

// SendOptions are the optional parts of an async exchange.
type SendOptions struct {
	// Data is flattened into extra request fields.
	Data  map[string]any
	Files []codec.FileAttachment
	// URL overrides the session's async URL.
	URL string
	// OnResponse is called exactly once with the outcome.
	OnResponse func(Result)
	// OnSuccessURL is navigated to after a successful response.
	OnSuccessURL     string
	Timeout          time.Duration
	OnUploadProgress ProgressFunc
	// LastFetch is echoed to the server as theas:lastFetch.
	LastFetch string
}

// Result is the outcome of one exchange.
type Result struct {
	RequestID string
	Command   string
	// Values holds the decoded response, already merged into the store.
	Values map[string]string
	Raw    string
	Err    error
}

// OK reports whether the exchange succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Call is the handle for an exchange in flight.
type Call struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result Result
}

func newCall(id string) *Call {
	return &Call{ID: id, done: make(chan struct{})}
}

// Done is closed after the exchange completes and OnResponse has returned.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the exchange completes or ctx ends.
func (c *Call) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() Result {
	select {
	case <-c.done:
		return c.result
	default:
		return Result{}
	}
}

// PendingRequest is an exchange awaiting its response.
type PendingRequest struct {
	RequestID string
	Command   string
	StartTime time.Time

	cancel context.CancelFunc
}

// Send posts command together with the form fields and every Theas parameter. It
// returns immediately; the outcome is delivered to opts.OnResponse and through the
// returned Call.
func (s *Session) Send(ctx context.Context, command string, opts SendOptions) *Call {
	call := newCall(s.newID())
	target := opts.URL
	if target == "" {
		target = s.asyncURL
	}

	ctx, span := s.tracer.Start(ctx, "theas.exchange", trace.WithAttributes(
		attribute.String("theas.command", command),
		attribute.String("theas.request_id", call.ID),
	))

	req := codec.Request{
		Form:      s.formFields(nil),
		Params:    s.params.Snapshot(),
		Extra:     opts.Data,
		Command:   command,
		LastFetch: opts.LastFetch,
		XSRF:      s.xsrf,
		Files:     opts.Files,
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		reqCtx, cancelTimeout = context.WithTimeout(reqCtx, opts.Timeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	pr := &PendingRequest{RequestID: call.ID, Command: command, StartTime: s.now(), cancel: cancel}
	s.track(pr)

	s.logger.Debug("async send", "command", command, "request_id", call.ID, "url", target)
	go s.exchange(reqCtx, span, call, pr, target, req, opts)
	return call
}

// SendAsync sends command with no extra data, response handler or navigation.
func (s *Session) SendAsync(command string) *Call {
	return s.Send(context.Background(), command, SendOptions{})
}

// exchange runs one request on its own goroutine. The location fix and body encoding
// happen here so Send never waits on them.
func (s *Session) exchange(ctx context.Context, span trace.Span, call *Call, pr *PendingRequest, target string, req codec.Request, opts SendOptions) {
	defer pr.cancel()
	start := time.Now()

	if loc, ok := s.refreshLocation(ctx); ok {
		if req.Params == nil {
			req.Params = make(map[string]string)
		}
		req.Params[params.CurrentLocation] = loc
	}
	body, err := codec.EncodeRequestBody(req)
	if err != nil {
		s.untrack(pr.RequestID)
		res := Result{RequestID: call.ID, Command: pr.Command, Err: newError(KindTransportFailure, "encode request", err)}
		s.logger.Warn("async exchange failed", "command", pr.Command, "request_id", call.ID, "err", res.Err)
		s.metrics.observeExchange(pr.Command, res.Err, time.Since(start))
		endSpan(span, res.Err)
		s.complete(call, opts, res)
		return
	}

	raw, err := s.transport.Post(ctx, target, body, opts.OnUploadProgress)
	tracked := s.untrack(pr.RequestID)

	res := Result{RequestID: call.ID, Command: pr.Command, Raw: raw}
	switch {
	case !tracked:
		res.Raw = ""
		res.Err = newError(KindCanceled, "request canceled", err)
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = newError(KindTransportFailure, "request timed out", err)
	case err != nil && errors.Is(err, context.Canceled):
		res.Err = newError(KindCanceled, "request canceled", err)
	case err != nil:
		res.Err = newError(KindTransportFailure, "", err)
	default:
		res.Values, res.Err = s.absorb(pr.Command, raw)
	}

	if res.Err != nil {
		level := s.logger.Warn
		if KindOf(res.Err) == KindCanceled {
			level = s.logger.Debug
		}
		level("async exchange failed", "command", pr.Command, "request_id", call.ID, "err", res.Err)
	}
	s.metrics.observeExchange(pr.Command, res.Err, time.Since(start))
	endSpan(span, res.Err)

	s.complete(call, opts, res)
	if res.Err == nil {
		s.navigate(opts.OnSuccessURL)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	span.End()
}

func (s *Session) complete(call *Call, opts SendOptions, res Result) {
	call.once.Do(func() {
		call.result = res
		if opts.OnResponse != nil {
			opts.OnResponse(res)
		}
		close(call.done)
	})
}

// absorb interprets a response body: sentinels first, then the envelope, which is
// merged into the store. An error message written by the merge is surfaced unless
// the command was the one clearing it.
func (s *Session) absorb(command, raw string) (map[string]string, error) {
	// A failed clearError must not send another clearError.
	followUp := command != params.CmdClearError
	switch strings.TrimSpace(raw) {
	case SentinelInvalidSession:
		s.params.Set(params.ErrorMessage, invalidSessionMessage)
		s.surface(followUp, followUp)
		return nil, newError(KindInvalidSession, "server reported an invalid session", nil)
	case SentinelSessionOK, "":
		return map[string]string{}, nil
	}

	values, err := codec.DecodeEnvelope(raw)
	if err != nil {
		s.params.Set(params.ErrorMessage, FormatError(err.Error(), malformedFriendly, false, defaultErrorTitle))
		s.surface(followUp, followUp)
		return nil, newError(KindMalformedEnvelope, "", err)
	}
	s.params.Merge(values)

	if command == params.CmdClearError {
		return values, nil
	}
	if msg := s.params.Get(params.ErrorMessage); msg != "" {
		desc := ParseErrorDescriptor(msg)
		s.surface(s.errorModal, true)
		return values, newError(KindServerReported, desc.Message(), nil)
	}
	return values, nil
}

func (s *Session) track(pr *PendingRequest) {
	s.mu.Lock()
	s.pending = append(s.pending, pr)
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.setPending(n)
}

// untrack removes id and reports whether it was still pending.
func (s *Session) untrack(id string) bool {
	s.mu.Lock()
	found := false
	for i, p := range s.pending {
		if p.RequestID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			found = true
			break
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	s.metrics.setPending(n)
	return found
}

// CancelAsync abandons pending exchanges started before olderThan, or all of them when
// olderThan is zero. Their calls complete with a Canceled error. It returns how many
// were canceled.
func (s *Session) CancelAsync(olderThan time.Time) int {
	s.mu.Lock()
	var canceled []*PendingRequest
	kept := s.pending[:0]
	for _, p := range s.pending {
		if olderThan.IsZero() || p.StartTime.Before(olderThan) {
			canceled = append(canceled, p)
		} else {
			kept = append(kept, p)
		}
	}
	clear(s.pending[len(kept):])
	s.pending = kept
	n := len(kept)
	s.mu.Unlock()

	s.metrics.setPending(n)
	for _, p := range canceled {
		s.logger.Debug("async canceled", "command", p.Command, "request_id", p.RequestID)
		p.cancel()
	}
	return len(canceled)
}

// PendingCount returns the number of exchanges awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns a copy of the pending list, oldest first.
func (s *Session) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRequest, len(s.pending))
	for i, p := range s.pending {
		out[i] = PendingRequest{RequestID: p.RequestID, Command: p.Command, StartTime: p.StartTime}
	}
	return out
}
