// Package agent runs the Theas client runtime headless and mirrors it to UI peers over
// a websocket: parameter changes and dialog state go out, UI commands come in.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/DavidRueter/Theas/client"
	"github.com/DavidRueter/Theas/codec"
	"github.com/DavidRueter/Theas/modal"
	"github.com/DavidRueter/Theas/params"
)

// Agent wires a client session to a peer hub.
type Agent struct {
	cfg       *Config
	logger    *slog.Logger
	store     *params.Store
	session   *client.Session
	heartbeat *client.Heartbeat
	hub       *Hub
	dialog    *HubDialog
	stack     *modal.Stack
	snapshot  *Snapshot
	registry  *prometheus.Registry
	unwatch   func()
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	terminal io.Writer
	registry *prometheus.Registry
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTerminal also draws the dialog on w.
func WithTerminal(w io.Writer) Option {
	return func(o *options) { o.terminal = w }
}

// WithRegistry collects metrics in reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New builds an agent sending through transport. The parameter snapshot, when
// configured, is opened and restored here.
func New(cfg *Config, transport client.Transport, opts ...Option) (*Agent, error) {
	o := options{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	a := &Agent{cfg: cfg, logger: o.logger, store: params.NewStore(), registry: o.registry}

	if cfg.SnapshotPath != "" {
		snap, err := OpenSnapshot(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		saved, err := snap.Load()
		if err != nil {
			snap.Close()
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		a.store.Replace(saved)
		a.snapshot = snap
		a.logger.Info("parameters restored", "count", len(saved))
	}

	a.hub = NewHub(a.handle, a.welcome, rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst, a.logger)

	var mirror modal.Dialog
	if o.terminal != nil {
		mirror = modal.NewTermDialog(o.terminal, 72, modal.Content{})
	}
	a.dialog = NewHubDialog(a.hub, mirror, modal.Content{})
	nav := hubNavigator{hub: a.hub}
	a.stack = modal.NewStack(func() modal.Dialog { return a.dialog }, nav, a.logger)
	a.dialog.depth = a.stack.Depth

	a.session = client.New(transport,
		client.WithParams(a.store),
		client.WithModal(a.stack),
		client.WithNavigator(nav),
		client.WithLogger(a.logger),
		client.WithMetrics(client.NewMetrics(a.registry)),
		client.WithAsyncURL(cfg.AsyncURL),
		client.WithXSRF(cfg.XSRF),
		client.WithScrubAfterSubmit(cfg.ScrubAfterSubmit...),
	)
	a.heartbeat = client.NewHeartbeat(a.session,
		client.WithStaleAfter(cfg.Heartbeat.StaleAfter),
		client.WithMaxBackoff(cfg.Heartbeat.MaxBackoff),
	)
	a.unwatch = a.store.Watch(a.changed)
	return a, nil
}

// Session returns the client session.
func (a *Agent) Session() *client.Session { return a.session }

// Handler serves the websocket, metrics and the static UI.
func (a *Agent) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", a.hub)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	if a.cfg.UIDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(a.cfg.UIDir)))
	}
	return r
}

// Start runs the hub and the heartbeat, and fetches the current parameters.
func (a *Agent) Start(ctx context.Context) {
	go a.hub.Run(ctx)
	if !a.cfg.Heartbeat.Disabled {
		a.heartbeat.Start(a.onHeartbeat, a.cfg.Heartbeat.Interval)
	}
	a.session.Send(ctx, params.CmdTheasParams, client.SendOptions{})
}

// Run serves on cfg.Listen until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	a.Start(ctx)
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.logger.Info("theas agent listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	closeErr := a.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, closeErr)
}

// Close stops the heartbeat, abandons pending exchanges and saves the snapshot.
func (a *Agent) Close() error {
	a.heartbeat.Stop()
	a.session.CancelAsync(time.Time{})
	a.unwatch()
	if a.snapshot == nil {
		return nil
	}
	err := a.snapshot.Save(a.store.Snapshot())
	return errors.Join(err, a.snapshot.Close())
}

func (a *Agent) welcome() []Message {
	state := a.dialog.State()
	return []Message{
		{Type: TypeParams, Params: a.store.Snapshot()},
		{Type: TypeModal, Modal: &state},
	}
}

func (a *Agent) changed(c params.Change) {
	a.hub.Broadcast(Message{Type: TypeParam, Key: c.Key, Value: c.New})
	if a.snapshot != nil {
		if err := a.snapshot.Put(c.Key, c.New); err != nil {
			a.logger.Warn("snapshot write failed", "key", c.Key, "err", err)
		}
	}
}

func (a *Agent) onHeartbeat(res client.Result) {
	if !res.OK() {
		a.hub.Broadcast(resultMessage("", res))
	}
}

func (a *Agent) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeSet:
		key, _ := params.Canonical(msg.Key)
		if key == "" {
			return
		}
		a.store.Set(key, msg.Value)
	case TypeSend:
		a.session.Send(ctx, msg.Command, client.SendOptions{
			Data:       msg.Data,
			URL:        msg.URL,
			OnResponse: func(res client.Result) { a.hub.Broadcast(resultMessage(msg.ClientID, res)) },
		})
	case TypeSubmit:
		_, err := a.session.SubmitForm(ctx, peerForm(msg.Fields), client.SubmitConfig{
			URL:        msg.URL,
			Data:       msg.Data,
			Command:    msg.Command,
			OnResponse: func(res client.Result) { a.hub.Broadcast(resultMessage(msg.ClientID, res)) },
		})
		if err != nil {
			a.hub.Broadcast(resultMessage(msg.ClientID, client.Result{Command: msg.Command, Err: err}))
		}
	case TypeClose:
		a.stack.Closed(modal.ParseCloseReason(msg.Reason))
	case TypeCancel:
		n := a.session.CancelAsync(time.Time{})
		a.logger.Debug("peer canceled pending exchanges", "count", n)
	default:
		a.logger.Warn("unknown peer message", "type", msg.Type)
	}
}

func resultMessage(clientID string, res client.Result) Message {
	m := Message{
		Type:      TypeResult,
		RequestID: res.RequestID,
		Command:   res.Command,
		ClientID:  clientID,
	}
	if res.Err != nil {
		m.Error = res.Err.Error()
		m.ErrorKind = client.KindOf(res.Err).String()
	}
	return m
}

func peerForm(fields []Field) client.StaticForm {
	form := make(client.StaticForm, len(fields))
	for i, f := range fields {
		form[i] = codec.Field{Name: f.Name, Value: f.Value}
	}
	return form
}

type hubNavigator struct {
	hub *Hub
}

func (n hubNavigator) Navigate(target string) {
	n.hub.Broadcast(Message{Type: TypeNavigate, Target: target})
}

func (n hubNavigator) Back() {
	n.hub.Broadcast(Message{Type: TypeBack})
}
