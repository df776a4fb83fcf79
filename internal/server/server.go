package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"cans/internal/codec"
	"cans/internal/config"
	"cans/internal/domain"
)

const shutdownGrace = 10 * time.Second

// Server hosts the relay: the websocket endpoint, metrics and health checks,
// and the registry, router, broker and directory behind them.
type Server struct {
	cfg    *config.Relay
	log    logrus.FieldLogger
	stores *Stores

	reg       *Registry
	router    *Router
	broker    *Broker
	directory *Directory
	metrics   *Metrics
	prom      *prometheus.Registry

	upgrader websocket.Upgrader
	ready    atomic.Bool

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// New opens the stores selected by cfg and wires the relay components.
func New(cfg *config.Relay, log logrus.FieldLogger) (*Server, error) {
	stores, err := OpenStores(cfg.MailboxPolicy, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := NewMetrics(prom)

	reg := NewRegistry()
	reg.Subscribe(metrics.observeEvent)
	router := NewRouter(reg, stores.Mailbox, stores.Friends, RouterOptions{
		AckTimeout:    cfg.AckTimeout.Duration,
		RetryInterval: cfg.RetryInterval.Duration,
		Metrics:       metrics,
		Logger:        log,
	})
	s := &Server{
		cfg:     cfg,
		log:     log.WithField("component", "server"),
		stores:  stores,
		reg:     reg,
		router:  router,
		broker:  NewBroker(reg, router, stores.Friends, BrokerOptions{Logger: log}),
		metrics: metrics,
		prom:    prom,
		conns:   make(map[*Conn]struct{}),
	}
	s.directory = NewDirectory(reg, router, stores.Directory, stores.Friends, DirectoryOptions{
		MinOneTime: cfg.MinOneTimeKeys,
		Logger:     log,
	})
	s.upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	return s, nil
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry { return s.reg }

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		if s.cfg.TLSCert != "" {
			errc <- srv.ServeTLS(lis, s.cfg.TLSCert, s.cfg.TLSKey)
			return
		}
		errc <- srv.Serve(lis)
	}()
	s.ready.Store(true)
	s.log.WithFields(logrus.Fields{
		"address": lis.Addr().String(),
		"tls":     s.cfg.TLSCert != "",
		"mailbox": s.cfg.MailboxPolicy,
	}).Info("relay listening")

	select {
	case err := <-errc:
		s.ready.Store(false)
		return errors.Join(fmt.Errorf("serve: %w", err), s.Close())
	case <-ctx.Done():
	}

	s.ready.Store(false)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err = srv.Shutdown(stopCtx)
	return errors.Join(err, s.Close())
}

// Close drops every connection, waits for in-flight deliveries and closes
// the stores. Queued envelopes are kept according to the mailbox policy.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "relay shutting down")
	}
	s.wg.Wait()
	s.router.Close()
	return s.stores.Close()
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := newConn(ws, s.log)
	s.wg.Add(1)
	s.track(c)
	defer func() {
		s.untrack(c)
		c.shutdown()
		s.wg.Done()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-c.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	id, err := authenticate(ctx, c)
	if err != nil {
		s.metrics.authFailed()
		c.log.WithError(err).Info("authentication failed")
		c.Close(codec.CloseAuthFailed, "authentication failed")
		return
	}
	c.log = c.log.WithField("user", id)
	c.keepalive()

	if s.reg.Register(id, c) {
		c.log.Info("evicted previous connection")
	}
	defer s.reg.Unregister(id, c)
	c.log.Debug("connected")

	for {
		env, err := c.read()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedEnvelope) {
				c.log.WithError(err).Warn("malformed frame")
				c.Close(codec.CloseMalformed, "malformed envelope")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("read failed")
			}
			return
		}
		if env.Kind == domain.KindAck && env.Sender == id {
			if key, digest, err := codec.AckKey(env); err == nil {
				c.acked(key, digest)
			}
		}
		if err := s.router.Route(ctx, c, env); err != nil {
			c.log.WithError(err).Warn("protocol violation")
			c.Close(codec.CloseMalformed, "protocol violation")
			return
		}
	}
}
