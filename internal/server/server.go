// Package server wires the frame codec, serial transport, outbound queue,
// session dispatcher, public-channel parser, and the welcome/beacon/health
// subsystems into a single running BBS instance.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stlalpha/meshbbs/internal/beacon"
	"github.com/stlalpha/meshbbs/internal/collab"
	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/frame"
	"github.com/stlalpha/meshbbs/internal/health"
	"github.com/stlalpha/meshbbs/internal/logging"
	"github.com/stlalpha/meshbbs/internal/public"
	"github.com/stlalpha/meshbbs/internal/queue"
	"github.com/stlalpha/meshbbs/internal/reader"
	"github.com/stlalpha/meshbbs/internal/session"
	"github.com/stlalpha/meshbbs/internal/storage"
	"github.com/stlalpha/meshbbs/internal/textutil"
	"github.com/stlalpha/meshbbs/internal/welcome"
	"github.com/stlalpha/meshbbs/internal/writer"
)

// Stores bundles every durable store the server wires together.
type Stores struct {
	Users   *storage.UserStore
	Topics  *storage.TopicStore
	Threads *storage.ThreadStore
	Audit   *storage.AuditLog
	Admin   *storage.AdminActivityLog
	Nodes   *storage.NodeCache
	Welcome *storage.WelcomeStore
}

// OpenStores opens every durable store rooted at dataDir.
func OpenStores(dataDir string) (*Stores, error) {
	users, err := storage.OpenUserStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening user store: %w", err)
	}
	topics, err := storage.OpenTopicStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening topic store: %w", err)
	}
	nodes, err := storage.OpenNodeCache(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening node cache: %w", err)
	}
	welcomeStore, err := storage.OpenWelcomeStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening welcome store: %w", err)
	}
	return &Stores{
		Users:   users,
		Topics:  topics,
		Threads: storage.OpenThreadStore(dataDir),
		Audit:   storage.OpenAuditLog(dataDir),
		Admin:   storage.OpenAdminActivityLog(dataDir),
		Nodes:   nodes,
		Welcome: welcomeStore,
	}, nil
}

// Transport is the physical serial link the server drives; cmd/meshbbs
// satisfies it with a go.bug.st/serial port.
type Transport interface {
	reader.Source
	writer.Transport
}

// Server owns every long-running component of a BBS instance and the
// dispatch loop connecting them.
type Server struct {
	cfg    *config.Snapshot
	stores *Stores

	rdr *reader.Reader
	wtr *writer.Writer
	q   *queue.Queue

	sessions *session.Registry
	dispatch *session.Handler
	public   *public.Parser
	welcome  *welcome.Subsystem
	beacon   *beacon.Beacon
	monitor  *health.Monitor

	metricsSrv *http.Server
}

// New wires every component against cfg and stores, ready to Run.
func New(cfg *config.Snapshot, stores *Stores, transport Transport) *Server {
	w := writer.New(transport, cfg.Pacing)
	q := queue.New(cfg.Queue.MaxQueue, time.Duration(cfg.Queue.AgingThresholdMs)*time.Millisecond)

	dispatch := session.NewHandler(session.Deps{
		Users:   stores.Users,
		Topics:  stores.Topics,
		Threads: stores.Threads,
		Audit:   stores.Audit,
		Config:  cfg,
	})

	games := collab.DefaultRegistry()
	pub := public.NewParser(
		cfg.PublicCommandPrefix,
		cfg.AllowPublicLogin,
		time.Duration(cfg.PublicCooldownSec)*time.Second,
		games,
		nil,
	)

	wc := welcome.New(cfg.Welcome, stores.Welcome, w, cfg.PrimaryChan, cfg.BoardName, cfg.PublicCommandPrefix)
	bc := beacon.New(cfg.Beacon, cfg.PrimaryChan, cfg.BoardName, w, w.LocalNodeID)
	mon := health.New(cfg.Queue, cfg.Health.IntervalSeconds, q, w)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(health.NewCollector(q, w))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	return &Server{
		cfg:        cfg,
		stores:     stores,
		rdr:        reader.New(transport, 256),
		wtr:        w,
		q:          q,
		sessions:   session.NewRegistry(),
		dispatch:   dispatch,
		public:     pub,
		welcome:    wc,
		beacon:     bc,
		monitor:    mon,
		metricsSrv: metricsSrv,
	}
}

// Run drives every component until ctx is cancelled, then drains what it
// can before returning. It blocks for the server's full lifetime.
func (s *Server) Run(ctx context.Context) error {
	go s.welcome.DrainQueue()
	go s.monitor.Run(ctx)
	go s.beacon.Start(ctx)
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("metrics server: %v", err)
			}
		}()
	}

	readerErrCh := make(chan error, 1)
	go func() { readerErrCh <- s.rdr.Run(ctx) }()

	go s.pumpQueue(ctx)
	go s.maintainWriter(ctx)

	err := s.dispatchLoop(ctx)

	if s.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(shutdownCtx)
	}

	if rerr := <-readerErrCh; rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// dispatchLoop consumes decoded frame events and routes each to the right
// collaborator. It returns when the reader's event channel closes (reader
// stopped, fatally or via ctx cancellation).
func (s *Server) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.rdr.Events():
			if !ok {
				return nil
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev frame.Event) {
	switch ev.Kind {
	case frame.KindLocalNodeID:
		s.wtr.SetLocalNodeID(ev.LocalNodeID)
	case frame.KindAck:
		s.wtr.HandleAck(ev.Ack)
	case frame.KindRoutingError:
		s.wtr.HandleRoutingError(ev.RoutingErr)
	case frame.KindNodeDetection:
		s.handleNodeDetection(ev.Node)
	case frame.KindText:
		if ev.Text.IsBroadcast {
			s.handlePublicText(ev.Text)
		} else {
			s.handleSessionText(ev.Text)
		}
	}
}

func (s *Server) handleNodeDetection(n frame.NodeDetection) {
	if err := s.stores.Nodes.Observe(n.NodeKey, n.DisplayName, time.Now()); err != nil {
		logging.Warn("server: recording node %08x observation: %v", n.NodeKey, err)
	}
	if !s.welcome.Eligible(n.NodeKey, n.DisplayName, n.FromStartupScan, time.Now()) {
		return
	}
	go func() {
		if err := s.welcome.Welcome(n.NodeKey, n.DisplayName, n.FromStartupScan); err != nil {
			logging.Warn("server: welcome flow for %08x failed: %v", n.NodeKey, err)
		}
	}()
}

func (s *Server) handlePublicText(t frame.TextEvent) {
	out := s.public.Handle(t.FromNode, string(t.Payload), time.Now())
	switch out.Action {
	case public.ActionReplyDM:
		s.enqueueDM(t.FromNode, t.Channel, out.Reply)
	case public.ActionReplyDMAndBroadcast:
		s.enqueueDM(t.FromNode, t.Channel, out.Reply)
		s.enqueueBroadcast(t.Channel, out.Broadcast)
	case public.ActionPendingLogin:
		sess := s.sessions.GetOrCreate(t.FromNode, t.Channel)
		sess.PendingLoginUsername = out.PendingUsername
		s.enqueueDM(t.FromNode, t.Channel, out.Reply)
	}
}

func (s *Server) handleSessionText(t frame.TextEvent) {
	sess := s.sessions.GetOrCreate(t.FromNode, t.Channel)
	result := s.dispatch.Dispatch(sess, string(t.Payload))
	if result.Body != "" {
		s.enqueueDM(t.FromNode, t.Channel, result.Body)
	}
	if result.Close {
		s.sessions.Remove(t.FromNode)
	}
}

func (s *Server) enqueueDM(dest uint32, channel byte, body string) {
	for _, chunk := range textutil.Chunks(body, textutil.MaxPayloadBytes) {
		err := s.q.Enqueue(queue.Envelope{
			Priority: queue.PriorityReliableDM,
			Payload:  []byte(chunk),
			Dest:     dest,
			Channel:  channel,
		})
		if err != nil {
			logging.Warn("server: dropping DM chunk to %08x: %v", dest, err)
		}
	}
}

func (s *Server) enqueueBroadcast(channel byte, body string) {
	text := textutil.TruncateBytes(body, textutil.MaxPayloadBytes)
	err := s.q.Enqueue(queue.Envelope{
		Priority: queue.PriorityBroadcastReply,
		Payload:  []byte(text),
		Channel:  channel,
	})
	if err != nil {
		logging.Warn("server: dropping broadcast reply: %v", err)
	}
}

// pumpQueue drains the outbound queue and hands each envelope to the
// writer. The welcome subsystem and the ident beacon call the writer's
// Send* methods directly rather than through this queue.
func (s *Server) pumpQueue(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				env, ok := s.q.Dequeue()
				if !ok {
					break
				}
				s.send(env)
			}
		}
	}
}

func (s *Server) send(env queue.Envelope) {
	var err error
	if env.Dest == 0 {
		_, err = s.wtr.SendBroadcast(env.Payload, env.Channel, env.WantAck)
	} else {
		_, err = s.wtr.SendUnicastReliable(env.Dest, env.Payload, env.Channel)
	}
	if err != nil {
		logging.Warn("server: send failed: %v", err)
	}
}

// maintainWriter runs the writer's retry/expiry tick every second and its
// pending cleanup every five minutes.
func (s *Server) maintainWriter(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	cleanup := time.NewTicker(5 * time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.wtr.Tick()
		case <-cleanup.C:
			s.wtr.CleanupPending(10 * time.Minute)
		}
	}
}

// CircuitOpen reports whether the health monitor's circuit breaker is
// currently tripped.
func (s *Server) CircuitOpen() bool {
	return s.monitor.CircuitOpen()
}

// SessionCount returns the number of currently active sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
