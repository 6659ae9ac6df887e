// Package server wires the accept loop, the replica-side bootstrap, the
// periodic active-expiration sweep, and per-connection dispatch together.
package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"goredis/internal/handler"
	"goredis/internal/protocol"
	"goredis/internal/rdb"
	"goredis/internal/replication"
	"goredis/internal/storage"
)

var log = logging.MustGetLogger("server")

// ioTimeout caps every read/write after a connection's first command; the
// first read has no deadline, per spec.md §4.1/§5.
const ioTimeout = 1 * time.Second

// Server is either a primary or a replica, chosen once at construction
// from cfg.IsReplica().
type Server struct {
	cfg           *Config
	ks            *storage.Keyspace
	bus           *replication.Bus
	registry      *replication.Registry
	replicationID string

	limiter *rate.Limiter
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// New constructs a Server and loads the startup snapshot, if configured.
func New(cfg *Config) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		ks:            storage.New(),
		bus:           replication.NewBus(),
		registry:      replication.NewRegistry(),
		replicationID: newReplicationID(),
	}
	if cfg.MaxAcceptPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxAcceptPerSecond), int(cfg.MaxAcceptPerSecond))
	}
	if cfg.Dir != "" && cfg.DBFilename != "" {
		path := cfg.Dir + "/" + cfg.DBFilename
		if err := rdb.LoadInto(s.ks, path); err != nil {
			log.Warningf("failed to load snapshot %s: %v", path, err)
		} else {
			log.Infof("loaded snapshot %s", path)
		}
	}
	return s, nil
}

func newReplicationID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed id rather than crash at boot.
		return "0123456789abcdef0123456789abcdef01234567"[:40]
	}
	return hex.EncodeToString(buf)
}

// Run binds the listener, starts the expiration sweep, optionally
// performs the replica handshake, and serves connections until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.startExpirySweep()
	defer s.cron.Stop()

	if s.cfg.IsReplica() {
		if err := s.bootstrapReplica(ctx); err != nil {
			return fmt.Errorf("server: replica bootstrap: %w", err)
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", s.cfg.Port, err)
	}
	defer ln.Close()
	log.Infof("listening on 127.0.0.1:%d (replica=%v)", s.cfg.Port, s.cfg.IsReplica())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}
		if s.limiter != nil {
			_ = s.limiter.Wait(ctx)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleExternalConnection(conn)
		}()
	}
}

// startExpirySweep schedules a cron job that sweeps expired string keys,
// repurposing the teacher's RDB-autosave ticker shape with a real
// scheduling library instead of a bare time.Ticker.
func (s *Server) startExpirySweep() {
	s.cron = cron.New(cron.WithLogger(cronLogAdapter{}))
	_, err := s.cron.AddFunc("@every 1s", func() {
		if n := s.ks.DeleteExpired(); n > 0 {
			log.Debugf("expired %d keys", n)
		}
	})
	if err != nil {
		log.Errorf("failed to schedule expiration sweep: %v", err)
	}
	s.cron.Start()
}

type cronLogAdapter struct{}

func (cronLogAdapter) Info(msg string, kv ...interface{})  { log.Debugf("cron: %s %v", msg, kv) }
func (cronLogAdapter) Error(err error, msg string, kv ...interface{}) {
	log.Errorf("cron: %s: %v %v", msg, err, kv)
}

func (s *Server) deps(connKind handler.Kind) *handler.Deps {
	return &handler.Deps{
		KS:            s.ks,
		Bus:           s.bus,
		Registry:      s.registry,
		IsReplica:     s.cfg.IsReplica(),
		ReplicationID: s.replicationID,
		Dir:           s.cfg.Dir,
		DBFilename:    s.cfg.DBFilename,
		SnapshotFn:    rdb.EmptySnapshot,
	}
}

// handleExternalConnection is the external loop of SPEC_FULL §4.5: it
// reads commands, dispatches them, and — if the primary promotes this
// connection via PSYNC — transfers control to the attached-replica loop.
func (s *Server) handleExternalConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	kind := handler.KindExternalReadWrite
	if s.cfg.IsReplica() {
		kind = handler.KindExternalReadOnly
	}
	st := &handler.ConnState{Kind: kind}
	deps := s.deps(kind)
	dw := &deadlineWriter{conn: conn}

	firstRead := true
	for {
		if !firstRead {
			conn.SetReadDeadline(time.Now().Add(ioTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		cmd, err := protocol.Decode(reader)
		if err != nil {
			if !firstRead {
				log.Debugf("connection closed: %v", err)
			}
			return
		}
		firstRead = false

		if _, err := handler.Dispatch(dw, st, deps, cmd); err != nil {
			log.Warningf("dispatch failed, closing connection: %v", err)
			return
		}
		if st.Kind == handler.KindAttachedReplica {
			s.runAttachedReplica(conn, reader, st, deps)
			return
		}
	}
}

// runAttachedReplica multiplexes (i) further commands from the peer
// (acknowledgement reports) against (ii) messages from this connection's
// replication-bus subscription, serialising the latter verbatim to the
// peer. Go has no select over "a bufio.Reader decode" and "a channel
// receive" directly, so a background goroutine performs the reads and
// feeds them through a channel — the idiomatic stand-in for Rust's
// select!, grounded on original_source/src/connection.rs's handle_slave.
func (s *Server) runAttachedReplica(conn net.Conn, reader *bufio.Reader, st *handler.ConnState, deps *handler.Deps) {
	defer func() {
		st.Sub.Unsubscribe()
		if st.HasReplicaID {
			s.registry.Disconnect(st.ReplicaID)
		}
	}()

	peerCmds := make(chan protocol.Command)
	peerErrs := make(chan error, 1)
	go func() {
		for {
			conn.SetReadDeadline(time.Now().Add(ioTimeout))
			cmd, err := protocol.Decode(reader)
			if err != nil {
				peerErrs <- err
				return
			}
			peerCmds <- cmd
		}
	}()

	dw := &deadlineWriter{conn: conn}
	for {
		select {
		case cmd := <-peerCmds:
			if _, err := handler.Dispatch(dw, st, deps, cmd); err != nil {
				log.Warningf("attached replica dispatch failed: %v", err)
				return
			}
		case <-peerErrs:
			return
		case repCmd, ok := <-st.Sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(ioTimeout))
			if _, err := conn.Write(protocol.Encode(repCmd.Argv)); err != nil {
				log.Warningf("failed to forward replicated command: %v", err)
				return
			}
		case <-st.Sub.Lagged():
			log.Warning("attached replica lagged too far behind, disconnecting")
			return
		}
	}
}

// deadlineWriter sets a fresh write deadline before every Write, so that
// "every write on the connection is capped at 1 second" (spec.md §4.1)
// holds without threading a deadline call through every handler.
type deadlineWriter struct {
	conn net.Conn
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	d.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	return d.conn.Write(p)
}

var errHandshakeFailed = errors.New("server: replica handshake failed")
