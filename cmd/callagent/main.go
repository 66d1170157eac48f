package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callsync/internal/audit"
	"callsync/internal/auth"
	"callsync/internal/backend"
	"callsync/internal/calls"
	"callsync/internal/config"
	"callsync/internal/events"
	"callsync/internal/incoming"
	"callsync/internal/outgoing"
	"callsync/internal/presence"
	"callsync/internal/reconcile"
	"callsync/internal/session"
	"callsync/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	tokens, err := tokenSource(cfg)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	api, err := backend.NewClient(cfg.Backend.URL, tokens, backend.ClientOptions{Timeout: cfg.Backend.Timeout, Logger: log})
	if err != nil {
		log.Error("backend client init failed", "err", err)
		os.Exit(1)
	}

	auditRepo := audit.NewMemoryRepo()
	t := cfg.Timing
	sc, err := session.New(api, session.Config{
		UserID:    cfg.User.ID,
		Role:      calls.Role(cfg.User.Role),
		Presence:  presence.Config{Interval: t.PresenceInterval},
		Outgoing:  outgoing.Config{PollInterval: t.OutgoingPollInterval, Timeout: t.OutgoingTimeout},
		Incoming:  incoming.Config{PollInterval: t.IncomingPollInterval},
		Reconcile: reconcile.Config{Interval: t.ReconcileInterval, MinGap: t.ReconcileMinGap, MaxFailures: t.ReconcileMaxFailures},
		Logger:    log,
		Audit:     audit.NewService(auditRepo),
	})
	if err != nil {
		log.Error("session init failed", "err", err)
		os.Exit(1)
	}

	// Handlers run on the session's loops and must not block; commands are
	// issued from the group below.
	evs := make(chan events.Event, 32)
	sc.Subscribe(func(e events.Event) {
		logEvent(log, e)
		select {
		case evs <- e:
		default:
			log.Warn("event queue full, dropping", "event", e.Kind)
		}
	})

	if err := sc.Start(rootCtx); err != nil {
		log.Error("session start failed", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	if cfg.CallTo != "" {
		g.Go(func() error {
			call, err := sc.StartCall(gctx, cfg.CallTo)
			if err != nil {
				// Create failures are reported once and do not stop the agent.
				log.Warn("outgoing call not placed", "receiver_id", cfg.CallTo, "err", err)
				return nil
			}
			log.Info("calling", "call_id", call.ID, "receiver_id", cfg.CallTo)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-evs:
				if e.Kind == events.AuthFailed {
					stop()
					return nil
				}
				if e.Kind == events.IncomingCall && cfg.AutoAnswer != "" {
					answer(gctx, log, sc, cfg.AutoAnswer == config.AutoAnswerAccept)
				}
			}
		}
	})

	_ = g.Wait()
	sc.StopAll()
	log.Info("agent stopped", "corrective_actions", len(auditRepo.Events()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func tokenSource(cfg config.Agent) (backend.TokenSource, error) {
	if cfg.User.AccessToken != "" {
		return backend.StaticToken(cfg.User.AccessToken), nil
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, err
	}
	return auth.NewMintingSource(m, cfg.User.ID, cfg.User.Role), nil
}

func answer(ctx context.Context, log *slog.Logger, sc *session.Context, accept bool) {
	jp, err := sc.AnswerIncoming(ctx, accept)
	if err != nil {
		log.Warn("answer failed", "accept", accept, "err", err)
		return
	}
	if jp.NoOp {
		return
	}
	if jp.Accepted {
		log.Info("joining room", "call_id", jp.CallID, "room", jp.RoomName)
	}
}

func logEvent(log *slog.Logger, e events.Event) {
	attrs := []any{"event", e.Kind}
	if e.Session.ID != "" {
		attrs = append(attrs, "call_id", e.Session.ID, "room", e.Session.RoomName)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err)
		log.Warn("session event", attrs...)
		return
	}
	log.Info("session event", attrs...)
}
