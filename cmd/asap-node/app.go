package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/adriannoes/asap-protocol-sub002/pkg/config"
	"github.com/adriannoes/asap-protocol-sub002/pkg/endpoint"
	"github.com/adriannoes/asap-protocol-sub002/pkg/observability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/protocol"
	"github.com/adriannoes/asap-protocol-sub002/pkg/ratelimit"
	"github.com/adriannoes/asap-protocol-sub002/pkg/registry"
	"github.com/adriannoes/asap-protocol-sub002/pkg/reliability"
	"github.com/adriannoes/asap-protocol-sub002/pkg/snapshot"
	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/mem"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/quic"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/tcp"
	"github.com/adriannoes/asap-protocol-sub002/pkg/transport/ws"
)

// peerRoutes maps agent ids to the live outbound stream dialed for them.
type peerRoutes struct {
	mu      sync.RWMutex
	streams map[string]transport.Stream
}

func newPeerRoutes() *peerRoutes {
	return &peerRoutes{streams: make(map[string]transport.Stream)}
}

func (p *peerRoutes) set(agentID string, st transport.Stream) {
	p.mu.Lock()
	p.streams[agentID] = st
	p.mu.Unlock()
}

func (p *peerRoutes) send(recipient string, frame []byte) error {
	p.mu.RLock()
	st := p.streams[recipient]
	p.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("no route to %s", recipient)
	}
	return st.SendBytes(frame)
}

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("asap-node started",
		zap.String("app", cfg.AppName), zap.String("agent_id", cfg.AgentID))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := observability.NewBuffer(1024)
	go drainEvents(ctx, sink)

	routes := newPeerRoutes()
	tracker := reliability.NewTracker(reliability.Options{
		AckDeadline:    cfg.Reliability.AckDeadline,
		BackoffInitial: cfg.Reliability.BackoffInitial,
		BackoffMax:     cfg.Reliability.BackoffMax,
		BackoffJitter:  cfg.Reliability.BackoffJitter,
		MaxAttempts:    cfg.Reliability.MaxAttempts,
		Breaker: reliability.BreakerOptions{
			Threshold: cfg.Reliability.BreakerThreshold,
			Cooldown:  cfg.Reliability.BreakerCooldown,
		},
	}, routes.send, sink)
	defer tracker.Close()

	reg := registry.New()
	registerDemoHandlers(reg)

	tasks := task.NewStore(task.StoreOptions{
		MaxDepth:       cfg.Protocol.MaxTaskDepth,
		RetainTerminal: cfg.Protocol.RetainTerminal,
	})
	defer tasks.Close()

	ep, err := endpoint.New(endpoint.Options{
		AgentID:  cfg.AgentID,
		Registry: reg,
		Tasks:    tasks,
		Limiter: ratelimit.New(ratelimit.Options{
			Rate:    cfg.RateLimit.Rate,
			Burst:   cfg.RateLimit.Burst,
			IdleTTL: cfg.RateLimit.IdleTTL,
		}),
		Tracker:  tracker,
		Sink:     sink,
		Snapshot: snapshot.NewMemory(),
		DedupTTL: cfg.Protocol.DedupTTL,
	})
	if err != nil {
		zap.L().Error("failed to build endpoint", zap.Error(err))
		return 1
	}

	treg, err := buildTransports(cfg.Transports)
	if err != nil {
		zap.L().Error("failed to build transports", zap.Error(err))
		return 1
	}
	if err := startTransports(ctx, cfg, treg, ep, routes); err != nil {
		zap.L().Error("failed to start transports", zap.Error(err))
		return 1
	}

	zap.L().Info("node is running; press Ctrl+C to exit")
	<-ctx.Done()
	zap.L().Info("shutting down")
	return 0
}

func buildTransports(tcs []config.TransportConfig) (*transport.Registry, error) {
	treg := transport.NewRegistry()
	for _, tc := range tcs {
		switch tc.Kind {
		case "mem":
			treg.Register(mem.New())
		case "tcp":
			treg.Register(tcp.New())
		case "ws":
			treg.Register(ws.New())
		case "quic":
			qt, err := quic.New()
			if err != nil {
				return nil, err
			}
			treg.Register(qt)
		default:
			return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
		}
	}
	return treg, nil
}

func startTransports(ctx context.Context, cfg *config.Config, treg *transport.Registry, ep *endpoint.Endpoint, routes *peerRoutes) error {
	for _, tc := range cfg.Transports {
		tr, ok := treg.Get(transport.KindFromScheme(tc.Kind))
		if !ok {
			return fmt.Errorf("transport %q not built", tc.Kind)
		}
		for _, addr := range tc.Listen {
			l, err := tr.Listen(ctx, addr)
			if err != nil {
				return fmt.Errorf("listen %s %s: %w", tc.Kind, addr, err)
			}
			zap.L().Info("listening",
				zap.String("kind", tc.Kind),
				zap.String("mode", tc.Mode),
				zap.String("addr", l.Addr().String()))
			go func(mode string, l transport.Listener) {
				var err error
				if mode == "sync" {
					err = ep.ServeSyncListener(ctx, l)
				} else {
					err = ep.ServeAsyncListener(ctx, l)
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					zap.L().Warn("listener stopped", zap.Error(err))
				}
			}(tc.Mode, l)
		}
		for _, d := range tc.Dial {
			sess, err := tr.Dial(ctx, d.Address, transport.PeerInfo{AgentID: d.AgentID, Addr: d.Address})
			if err != nil {
				zap.L().Warn("dial failed",
					zap.String("kind", tc.Kind),
					zap.String("addr", d.Address), zap.Error(err))
				continue
			}
			st, err := sess.OpenStream(ctx)
			if err != nil {
				_ = sess.Close()
				continue
			}
			routes.set(d.AgentID, st)
			zap.L().Info("peer dialed",
				zap.String("agent_id", d.AgentID), zap.String("addr", d.Address))
			go func(sess transport.Session) {
				defer sess.Close()
				if err := ep.ServeAsync(ctx, sess); err != nil && ctx.Err() == nil {
					zap.L().Warn("peer session ended", zap.Error(err))
				}
			}(sess)
		}
	}
	return nil
}

// drainEvents forwards core events to the debug log so the buffer never
// fills in a quiet deployment.
func drainEvents(ctx context.Context, sink *observability.Buffer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink.Events():
			zap.L().Debug("core event",
				zap.String("type", string(ev.Type)), zap.Any("fields", ev.Fields))
		}
	}
}

func registerDemoHandlers(reg *registry.Registry) {
	_ = reg.Register("echo", func(_ context.Context, env *protocol.Envelope) (json.RawMessage, error) {
		req := env.Payload.(*protocol.TaskRequest)
		return req.Input, nil
	})
	_ = reg.Register("sys.info", func(context.Context, *protocol.Envelope) (json.RawMessage, error) {
		host, _ := os.Hostname()
		return json.Marshal(map[string]string{"hostname": host})
	})
}
