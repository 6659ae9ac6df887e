package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"goredis/internal/handler"
	"goredis/internal/protocol"
	"goredis/internal/rdb"
)

const handshakeStepTimeout = 1 * time.Second

// bootstrapReplica performs the four-step handshake against the
// configured primary (spec.md §4.6), seeds the keyspace from the
// snapshot payload that follows, and launches the background goroutine
// that applies the ongoing replicated stream.
func (s *Server) bootstrapReplica(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ReplicaOfHost, strconv.Itoa(s.cfg.ReplicaOfPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", errHandshakeFailed, addr, err)
	}
	reader := bufio.NewReader(conn)

	replicationID, offset, payload, err := masterHandshake(conn, reader, s.cfg.Port)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", errHandshakeFailed, err)
	}
	if err := s.loadSnapshotPayloadInto(payload); err != nil {
		log.Warningf("failed to parse snapshot payload from primary: %v", err)
	}
	s.replicationID = replicationID
	log.Infof("completed handshake with primary %s, replid=%s offset=%d", addr, replicationID, offset)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		s.runMasterConnection(conn, reader, offset)
		log.Warning("lost connection to primary")
	}()
	return nil
}

// masterHandshake drives the literal four steps: PING, REPLCONF
// listening-port, REPLCONF capa psync2, PSYNC ? -1. Each step has its own
// 1-second timeout; any deviation is fatal to the handshake. It then
// reads the trailing raw bulk-string snapshot payload and returns it;
// bootstrapReplica loads it into the keyspace.
func masterHandshake(conn net.Conn, reader *bufio.Reader, myPort int) (string, uint64, []byte, error) {
	if err := step(conn, reader, []string{"PING"}, "PONG"); err != nil {
		return "", 0, nil, err
	}
	if err := step(conn, reader, []string{"REPLCONF", "listening-port", strconv.Itoa(myPort)}, "OK"); err != nil {
		return "", 0, nil, err
	}
	if err := step(conn, reader, []string{"REPLCONF", "capa", "psync2"}, "OK"); err != nil {
		return "", 0, nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeStepTimeout))
	if _, err := conn.Write(protocol.Encode([]string{"PSYNC", "?", "-1"})); err != nil {
		return "", 0, nil, fmt.Errorf("write PSYNC: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout))
	line, err := readSimpleStringLine(reader)
	if err != nil {
		return "", 0, nil, fmt.Errorf("read FULLRESYNC: %w", err)
	}
	replicationID, offset, err := parseFullResync(line)
	if err != nil {
		return "", 0, nil, err
	}

	conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout))
	payload, err := protocol.DecodeRawBulkString(reader)
	if err != nil {
		return "", 0, nil, fmt.Errorf("read snapshot payload: %w", err)
	}
	return replicationID, offset, payload, nil
}

func step(conn net.Conn, reader *bufio.Reader, argv []string, expectSimple string) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeStepTimeout))
	if _, err := conn.Write(protocol.Encode(argv)); err != nil {
		return fmt.Errorf("write %v: %w", argv, err)
	}
	conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout))
	line, err := readSimpleStringLine(reader)
	if err != nil {
		return fmt.Errorf("read reply to %v: %w", argv, err)
	}
	if line != expectSimple {
		return fmt.Errorf("unexpected reply to %v: got %q, want %q", argv, line, expectSimple)
	}
	return nil
}

func readSimpleStringLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 3 || line[0] != '+' || line[len(line)-2] != '\r' {
		return "", protocol.ErrProtocol
	}
	return line[1 : len(line)-2], nil
}

func parseFullResync(line string) (string, uint64, error) {
	rest, ok := strings.CutPrefix(line, "FULLRESYNC ")
	if !ok {
		return "", 0, fmt.Errorf("missing FULLRESYNC prefix in %q", line)
	}
	id, offsetStr, ok := strings.Cut(rest, " ")
	if !ok {
		return "", 0, fmt.Errorf("malformed FULLRESYNC line %q", line)
	}
	if len(id) != 40 {
		return "", 0, fmt.Errorf("invalid replication id length %d in %q", len(id), line)
	}
	offset, err := strconv.ParseUint(offsetStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid FULLRESYNC offset %q: %w", offsetStr, err)
	}
	return id, offset, nil
}

func (s *Server) loadSnapshotPayloadInto(payload []byte) error {
	entries, err := rdb.Parse(payload)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.ks.LoadString(e.Key, e.Value, e.ExpiresAt)
	}
	return nil
}

// runMasterConnection is the replica-side master loop (spec.md §4.5): it
// applies each replicated command and advances slave_read_offset by the
// command's exact byte size, but only when Dispatch reports the command
// was genuinely applied — grounded on original_source/src/connection.rs's
// handle_master, the final version of the replica loop, which checks
// `res.is_err()` and skips the `fetch_add` on failure rather than
// original_source/src/slave.rs's superseded early draft that advanced
// unconditionally. A recoverable rejection (bad args, a type mismatch)
// must not advance the offset, matching spec.md's "only after successful
// application".
func (s *Server) runMasterConnection(conn net.Conn, reader *bufio.Reader, startOffset uint64) {
	st := &handler.ConnState{Kind: handler.KindPrimaryConnection, ReplicatedOffset: startOffset}
	deps := s.deps(handler.KindPrimaryConnection)
	dw := &deadlineWriter{conn: conn}
	offset := startOffset

	for {
		conn.SetReadDeadline(time.Now().Add(ioTimeout))
		cmd, err := protocol.Decode(reader)
		if err != nil {
			log.Debugf("master connection read ended: %v", err)
			return
		}
		st.ReplicatedOffset = offset
		applied, err := handler.Dispatch(dw, st, deps, cmd)
		if err != nil {
			log.Warningf("failed to apply replicated command: %v", err)
			return
		}
		if !applied {
			log.Warningf("master sent a command this replica could not apply, offset not advanced: %v", cmd.Argv)
			continue
		}
		offset += uint64(cmd.ByteSize)
		st.ReplicatedOffset = offset
	}
}
