// File: relay/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package relay is the facade that wires a listening socket, the
// process-wide session registry, one command queue per shard, and the
// shard worker pool into a single runnable unit. It is the entry point
// cmd/chatring-server drives.

//go:build linux

package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/momentics/chatring/internal/cmdqueue"
	"github.com/momentics/chatring/internal/control"
	"github.com/momentics/chatring/internal/errs"
	"github.com/momentics/chatring/internal/frame"
	"github.com/momentics/chatring/internal/logging"
	"github.com/momentics/chatring/internal/session"
	"github.com/momentics/chatring/internal/shard"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Server is the running relay: a listening socket plus one goroutine per
// shard. One additional, session-less shard owns the accepting ring and
// performs no read/write work of its own; session shards occupy the
// indices the registry actually hands out sessions on.
type Server struct {
	cfg *Config
	log *logging.Logger

	listenFD   int
	listenerID int
	reg        *session.Registry
	shards     []*shard.Shard
	ctrl       *control.Surface

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a Server from DefaultConfig with opts applied, but does
// not bind or start anything yet; call Start for that.
func New(opts ...Option) (*Server, error) {
	cfg := apply(DefaultConfig(), opts)
	if cfg.Shards < 1 {
		logging.Default().Error().Int("shards", cfg.Shards).Msg("relay: rejecting invalid config")
		return nil, errs.New(errs.CodeFatal, "relay: Shards must be >= 1")
	}
	if cfg.BufferSize < frame.Size {
		logging.Default().Error().Int("buffer_size", cfg.BufferSize).Msg("relay: rejecting invalid config")
		return nil, errs.New(errs.CodeFatal, fmt.Sprintf("relay: BufferSize must be >= %d", frame.Size))
	}
	return &Server{
		cfg: cfg,
		log: logging.New(nil, cfg.LogLevel),
		reg: session.NewRegistry(cfg.Shards),
	}, nil
}

// Control returns the relay's metrics and debug-probe surface. Valid
// only after Start.
func (s *Server) Control() *control.Surface { return s.ctrl }

// Start binds the listening socket, builds every session shard plus one
// dedicated listener shard, and launches one goroutine per shard under
// an errgroup so a fatal error in any shard's Run loop is observable
// from Wait.
func (s *Server) Start() error {
	fd, err := s.bindListener()
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "relay: bind failed", err)
	}
	s.listenFD = fd
	s.listenerID = s.cfg.Shards

	totalShards := s.cfg.Shards + 1
	queues := make([]*cmdqueue.Queue, totalShards)
	for i := range queues {
		queues[i] = cmdqueue.New(s.cfg.CommandQueueDepth)
	}

	s.shards = make([]*shard.Shard, totalShards)
	for i := 0; i < s.cfg.Shards; i++ {
		sc := shard.Config{
			ID:                   i,
			BufferCount:          s.cfg.BuffersPerShard,
			BufferSize:           s.cfg.BufferSize,
			SubmissionQueueDepth: s.cfg.SubmissionQueueDepth,
			CommandQueueDepth:    s.cfg.CommandQueueDepth,
			CompletionBatch:      s.cfg.CompletionBatch,
			EchoSender:           s.cfg.BroadcastEchoSender,
		}
		sh, err := shard.New(sc, s.log, s.reg, queues)
		if err != nil {
			return err
		}
		s.shards[i] = sh
	}

	listenerCfg := shard.Config{
		ID:                   s.listenerID,
		BufferCount:          s.cfg.BuffersPerShard,
		BufferSize:           s.cfg.BufferSize,
		SubmissionQueueDepth: s.cfg.SubmissionQueueDepth,
		CommandQueueDepth:    s.cfg.CommandQueueDepth,
		CompletionBatch:      s.cfg.CompletionBatch,
		ListenFD:             int32(s.listenFD),
	}
	listenerShard, err := shard.New(listenerCfg, s.log, s.reg, queues)
	if err != nil {
		return err
	}
	s.shards[s.listenerID] = listenerShard

	s.ctrl = control.NewSurface()
	for _, sh := range s.shards {
		sh := sh
		s.ctrl.RegisterProbe(fmt.Sprintf("shard.%d.stats", sh.ID()), func() any { return sh.Stats() })
	}
	s.ctrl.RegisterProbe("sessions.active", func() any { return s.reg.ActiveSessions() })

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, _ := errgroup.WithContext(ctx)
	s.group = g
	for _, sh := range s.shards {
		sh := sh
		g.Go(func() error {
			return sh.Run()
		})
	}

	s.log.Info().Str("addr", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)).Int("session_shards", s.cfg.Shards).Msg("relay started")
	return nil
}

// Wait blocks until every shard's Run loop has returned, propagating the
// first non-nil error.
func (s *Server) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Shutdown asks every shard to stop after draining its current
// completion batch, then waits up to cfg.ShutdownTimeout for all shard
// loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	for i, sh := range s.shards {
		_ = sh
		if err := s.postShutdown(i); err != nil {
			s.log.Warn().Err(err).Int("shard", i).Msg("shutdown command post failed")
		}
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-done:
		if s.cancel != nil {
			s.cancel()
		}
		unix.Close(s.listenFD)
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errs.New(errs.CodeFatal, "relay: shutdown timed out waiting for shard drain")
	}
}

func (s *Server) postShutdown(shardID int) error {
	return s.shards[shardID].PostCommand(shardID, cmdqueue.Command{Kind: cmdqueue.Shutdown})
}

// bindListener creates the TCP listening socket per the external
// interface contract: bound to cfg.Host:cfg.Port, SO_REUSEADDR enabled,
// backlog at the system maximum.
func (s *Server) bindListener() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt reuseaddr: %w", err)
	}

	addr, err := resolveIPv4(s.cfg.Host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: s.cfg.Port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}
