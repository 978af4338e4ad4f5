package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/modal"
	"github.com/DavidRueter/Theas/params"
)

type sentRequest struct {
	Target    string
	Fields    map[string]string
	Multipart bool
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []sentRequest
	reply func(ctx context.Context, req sentRequest) (string, error)
}

func (f *fakeTransport) Post(ctx context.Context, target string, body *codec.Body, _ ProgressFunc) (string, error) {
	req := sentRequest{Target: target, Fields: make(map[string]string), Multipart: body.Multipart()}
	for _, fd := range body.Fields {
		req.Fields[fd.Name] = fd.Value
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return "", nil
	}
	return reply(ctx, req)
}

func (f *fakeTransport) requests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

func (f *fakeTransport) count(cmd string) int {
	n := 0
	for _, r := range f.requests() {
		if r.Fields["cmd"] == cmd {
			n++
		}
	}
	return n
}

// byCommand answers each command with its own body; unknown commands get "".
func byCommand(bodies map[string]string) func(context.Context, sentRequest) (string, error) {
	return func(_ context.Context, req sentRequest) (string, error) {
		return bodies[req.Fields["cmd"]], nil
	}
}

type fakeNavigator struct {
	mu      sync.Mutex
	targets []string
	backs   int
}

func (n *fakeNavigator) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *fakeNavigator) Back() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backs++
}

func (n *fakeNavigator) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.targets) == 0 {
		return ""
	}
	return n.targets[len(n.targets)-1]
}

func newTestSession(tr Transport, opts ...Option) *Session {
	base := []Option{WithLogger(slog.New(slog.DiscardHandler))}
	return New(tr, append(base, opts...)...)
}

func newTestStack() *modal.Stack {
	return modal.NewStack(func() modal.Dialog {
		return modal.NewTermDialog(io.Discard, 0, modal.Content{})
	}, nil, slog.New(slog.DiscardHandler))
}

func wait(t *testing.T, call *Call) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := call.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestSendMergesEnvelope(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{"refresh": "theas:th:Name=Bob&theas:lastFetch=42"})}
	s := newTestSession(tr)

	var calls atomic.Int32
	res := wait(t, s.Send(context.Background(), "refresh", SendOptions{
		OnResponse: func(Result) { calls.Add(1) },
	}))

	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, "Bob", s.Params().Get("th$Name"))
	assert.Equal(t, "42", s.LastFetch())
	assert.Equal(t, "Bob", res.Values["theas:th:Name"])
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, s.PendingCount())
}

func TestSendRequestFields(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr,
		WithForm(StaticForm{{Name: "q", Value: "x"}}),
		WithXSRF("tok"),
	)
	s.Params().Set("th$Page", "3")

	wait(t, s.Send(context.Background(), "refresh", SendOptions{
		Data:      map[string]any{"filter": map[string]any{"color": "red"}},
		LastFetch: "7",
	}))

	reqs := tr.requests()
	require.Len(t, reqs, 1)
	f := reqs[0].Fields
	assert.Equal(t, DefaultAsyncURL, reqs[0].Target)
	assert.Equal(t, "x", f["q"])
	assert.Equal(t, "3", f["theas:th:Page"])
	assert.Equal(t, "", f["theas:th:ErrorMessage"])
	assert.Equal(t, "red", f["filter:color"])
	assert.Equal(t, "refresh", f["cmd"])
	assert.Equal(t, "7", f["theas:lastFetch"])
	assert.Equal(t, "tok", f["_xsrf"])
}

func TestSendInvalidSession(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{params.CmdHeartbeat: "invalidSession"})}
	stack := newTestStack()
	s := newTestSession(tr, WithModal(stack))

	res := wait(t, s.SendAsync(params.CmdHeartbeat))

	assert.ErrorIs(t, res.Err, ErrInvalidSession)
	assert.Equal(t, KindInvalidSession, KindOf(res.Err))
	assert.Equal(t, "Session Expired", s.LastError().Title)
	assert.Equal(t, 2, stack.Depth())
	assert.Eventually(t, func() bool { return tr.count(params.CmdClearError) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendSessionOK(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{params.CmdHeartbeat: "sessionOK\n"})}
	s := newTestSession(tr)

	res := wait(t, s.SendAsync(params.CmdHeartbeat))
	assert.True(t, res.OK())
	assert.Empty(t, res.Values)
}

func TestSendMalformedEnvelope(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{"refresh": "garbage"})}
	s := newTestSession(tr)

	res := wait(t, s.SendAsync("refresh"))

	assert.ErrorIs(t, res.Err, ErrMalformedEnvelope)
	assert.ErrorIs(t, res.Err, codec.ErrMalformedEnvelope)
	assert.Equal(t, malformedFriendly, s.LastError().FriendlyMessage)
}

func TestSendServerReportedError(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{
		"save": "theas:th:ErrorMessage=Tech|Oops|false|Whoops&theas:th:Saved=0",
	})}
	stack := newTestStack()
	s := newTestSession(tr, WithModal(stack), WithServerErrorModal(false))

	res := wait(t, s.SendAsync("save"))

	assert.ErrorIs(t, res.Err, ErrServerReported)
	assert.Equal(t, "0", s.Params().Get("th$Saved"))
	assert.Equal(t, "", s.Params().Get(params.ErrorMessage))
	assert.Equal(t, "Oops", s.LastError().FriendlyMessage)
	assert.Zero(t, stack.Depth())
	assert.Eventually(t, func() bool { return tr.count(params.CmdClearError) == 1 }, time.Second, 5*time.Millisecond)
}

func TestClearErrorResponseIsNotResurfaced(t *testing.T) {
	tr := &fakeTransport{reply: byCommand(map[string]string{
		params.CmdClearError: "theas:th:ErrorMessage=still|there",
	})}
	s := newTestSession(tr)

	res := wait(t, s.SendAsync(params.CmdClearError))
	assert.True(t, res.OK())
	assert.Equal(t, 1, tr.count(params.CmdClearError))
}

func blockUntilCanceled(ctx context.Context, _ sentRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCancelAsync(t *testing.T) {
	tr := &fakeTransport{reply: blockUntilCanceled}
	s := newTestSession(tr)

	var responses atomic.Int32
	opts := SendOptions{OnResponse: func(Result) { responses.Add(1) }}
	a := s.Send(context.Background(), "one", opts)
	b := s.Send(context.Background(), "two", opts)
	require.Equal(t, 2, s.PendingCount())

	assert.Equal(t, 2, s.CancelAsync(time.Time{}))
	assert.Zero(t, s.PendingCount())

	for _, c := range []*Call{a, b} {
		res := wait(t, c)
		assert.ErrorIs(t, res.Err, ErrCanceled)
	}
	assert.EqualValues(t, 2, responses.Load())
}

func TestCancelAsyncOlderThan(t *testing.T) {
	tr := &fakeTransport{reply: blockUntilCanceled}
	s := newTestSession(tr)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	old := s.SendAsync("old")
	s.now = func() time.Time { return t0.Add(10 * time.Second) }
	recent := s.SendAsync("recent")

	assert.Equal(t, 1, s.CancelAsync(t0.Add(5*time.Second)))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, recent.ID, pending[0].RequestID)
	assert.ErrorIs(t, wait(t, old).Err, ErrCanceled)

	s.CancelAsync(time.Time{})
	assert.ErrorIs(t, wait(t, recent).Err, ErrCanceled)
}

func TestCanceledResponseIsIgnored(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) {
		<-release
		return "theas:th:Late=1", nil
	}}
	s := newTestSession(tr)

	call := s.SendAsync("slow")
	require.Equal(t, 1, s.CancelAsync(time.Time{}))
	close(release)

	res := wait(t, call)
	assert.ErrorIs(t, res.Err, ErrCanceled)
	_, ok := s.Params().Lookup("th$Late")
	assert.False(t, ok)
}

func TestSendTimeout(t *testing.T) {
	tr := &fakeTransport{reply: blockUntilCanceled}
	s := newTestSession(tr)

	res := wait(t, s.Send(context.Background(), "slow", SendOptions{Timeout: 20 * time.Millisecond}))
	assert.ErrorIs(t, res.Err, ErrTransportFailure)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestSendTransportFailure(t *testing.T) {
	tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) {
		return "", &StatusError{StatusCode: 500, Status: "500 Internal Server Error"}
	}}
	s := newTestSession(tr)

	res := wait(t, s.SendAsync("x"))
	assert.ErrorIs(t, res.Err, ErrTransportFailure)
	var se *StatusError
	require.ErrorAs(t, res.Err, &se)
	assert.Equal(t, 500, se.StatusCode)
}

func TestSendNavigatesOnSuccess(t *testing.T) {
	tr := &fakeTransport{}
	nav := &fakeNavigator{}
	s := newTestSession(tr, WithNavigator(nav))

	wait(t, s.Send(context.Background(), "go", SendOptions{OnSuccessURL: "/next"}))
	assert.Eventually(t, func() bool { return nav.last() == "/next" }, time.Second, 5*time.Millisecond)
}

type fixedLocator struct {
	loc Location
	err error
}

func (l fixedLocator) Locate(context.Context) (Location, error) { return l.loc, l.err }

func TestSendRefreshesLocation(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr, WithLocator(fixedLocator{loc: Location{Lat: 1.5, Long: 2.5}}))

	wait(t, s.SendAsync("where"))
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"lat":1.5,"long":2.5}`, reqs[0].Fields["theas:th:currentLocation"])
}

func TestSendLocationFailureClearsValue(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSession(tr, WithLocator(fixedLocator{err: errors.New("denied")}))
	s.Params().Set(params.CurrentLocation, `{"lat":0,"long":0}`)

	wait(t, s.SendAsync("where"))
	assert.Equal(t, "", tr.requests()[0].Fields["theas:th:currentLocation"])
}

func TestFailedClearErrorIsNotRepeated(t *testing.T) {
	for name, body := range map[string]string{
		"invalid session": "invalidSession",
		"unreadable":      "<html>gateway</html>",
	} {
		t.Run(name, func(t *testing.T) {
			tr := &fakeTransport{reply: func(context.Context, sentRequest) (string, error) { return body, nil }}
			stack := newTestStack()
			s := newTestSession(tr, WithModal(stack))

			res := wait(t, s.SendAsync(params.CmdHeartbeat))
			require.Error(t, res.Err)

			assert.Eventually(t, func() bool { return tr.count(params.CmdClearError) == 1 }, time.Second, 5*time.Millisecond)
			assert.Never(t, func() bool { return len(tr.requests()) > 2 }, 200*time.Millisecond, 10*time.Millisecond)
			assert.Equal(t, 0, s.PendingCount())
			assert.Equal(t, 2, stack.Depth())
		})
	}
}

type blockingLocator struct {
	release chan struct{}
}

func (l blockingLocator) Locate(ctx context.Context) (Location, error) {
	select {
	case <-l.release:
		return Location{Lat: 3, Long: 4}, nil
	case <-ctx.Done():
		return Location{}, ctx.Err()
	}
}

func TestSendDoesNotWaitForLocation(t *testing.T) {
	tr := &fakeTransport{}
	loc := blockingLocator{release: make(chan struct{})}
	s := newTestSession(tr, WithLocator(loc), WithLocateTimeout(5*time.Second))

	returned := make(chan *Call, 1)
	go func() { returned <- s.SendAsync("where") }()

	var call *Call
	select {
	case call = <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Send blocked on the location fix")
	}
	assert.Equal(t, 1, s.PendingCount())
	select {
	case <-call.Done():
		t.Fatal("exchange completed before the location fix")
	default:
	}

	close(loc.release)
	wait(t, call)
	reqs := tr.requests()
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"lat":3,"long":4}`, reqs[0].Fields["theas:th:currentLocation"])
}
