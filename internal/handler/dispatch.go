// Package handler routes parsed commands to their handlers against the
// shared keyspace and replication bus, gates writes by connection role,
// and produces wire replies.
package handler

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"goredis/internal/protocol"
	"goredis/internal/replication"
	"goredis/internal/storage"
)

var log = logging.MustGetLogger("handler")

// Kind tags the role a connection is playing, per SPEC_FULL §Per-connection
// state. Promotion (external → attached replica) rewrites Kind in place.
type Kind int

const (
	KindExternalReadWrite Kind = iota // client of a primary
	KindExternalReadOnly              // client of a replica
	KindAttachedReplica                // promoted, primary-side
	KindPrimaryConnection               // replica's outbound link to its primary
)

// ConnState is the mutable per-connection state the dispatcher reads and
// updates. The server loop owns the net.Conn; this holds only what
// dispatch needs.
type ConnState struct {
	Kind             Kind
	ReplicatedOffset uint64
	ReplicaID        replication.ReplicaID
	HasReplicaID     bool
	Sub              *replication.Subscription
	Tx               Transaction
	ListeningPort    string
}

// Deps bundles the shared subsystems a dispatch call needs.
type Deps struct {
	KS            *storage.Keyspace
	Bus           *replication.Bus
	Registry      *replication.Registry
	IsReplica     bool
	ReplicationID string
	Dir           string
	DBFilename    string
	SnapshotFn    func() []byte
}

func writeCapable(k Kind) bool {
	return k == KindExternalReadWrite || k == KindPrimaryConnection
}

// Dispatch applies one decoded command. A non-nil returned error means
// the connection must close (a write to the peer failed, or the command
// stream is no longer trustworthy); any recoverable "bad request" is
// handled internally by writing an error reply (where appropriate) and
// returning a nil error. The returned bool reports whether the command was
// genuinely applied as opposed to rejected — a replica's master-connection
// loop must advance slave_read_offset only when this is true (spec.md
// "increment slave_read_offset ... only after successful application"),
// mirroring original_source/src/handlers.rs's HandleError::InvalidArgs vs.
// Ok(()) distinction and connection.rs's handle_master checking
// res.is_err() before fetch_add.
func Dispatch(w io.Writer, st *ConnState, deps *Deps, cmd protocol.Command) (applied bool, err error) {
	if len(cmd.Argv) == 0 {
		return false, nil
	}
	name := strings.ToUpper(cmd.Argv[0])
	args := cmd.Argv[1:]
	log.Debugf("dispatch %s argv=%d kind=%d", name, len(args), st.Kind)

	if st.Tx.Started {
		if queued, applied, err := queueIfTransactional(w, st, name, args); queued {
			return applied, err
		}
	}

	switch name {
	case "MULTI":
		st.Tx.Begin()
		return true, writeAll(w, protocol.EncodeSimpleString("OK"))
	case "DISCARD":
		if !st.Tx.Started {
			return false, writeAll(w, protocol.EncodeError("ERR DISCARD without MULTI"))
		}
		st.Tx.Discard()
		return true, writeAll(w, protocol.EncodeSimpleString("OK"))
	case "EXEC":
		if !st.Tx.Started {
			return false, writeAll(w, protocol.EncodeError("ERR EXEC without MULTI"))
		}
		st.Tx.Discard()
		return false, writeAll(w, protocol.EncodeError("ERR EXEC is not supported"))
	case "PING":
		return handlePing(w, st)
	case "ECHO":
		return handleEcho(w, args)
	case "GET":
		return handleGet(w, deps, args)
	case "SET":
		return handleSet(w, st, deps, cmd, args)
	case "INCR":
		return handleIncr(w, st, deps, cmd, args)
	case "XADD":
		return handleXadd(w, st, deps, cmd, args)
	case "INFO":
		return handleInfo(w, deps, args)
	case "REPLCONF":
		return handleReplConf(w, st, deps, args)
	case "PSYNC":
		return handlePsync(w, st, deps, args)
	case "WAIT":
		return handleWait(w, st, deps, args)
	case "CONFIG":
		return handleConfig(w, deps, args)
	default:
		log.Warningf("received unknown command %s", name)
		return false, nil
	}
}

// queueIfTransactional intercepts the three queueable write commands while
// a MULTI block is open, appending them to st.Tx instead of applying them
// and replying "+QUEUED\r\n" — the enqueue half of the transaction feature
// this spec carries without EXEC application.
func queueIfTransactional(w io.Writer, st *ConnState, name string, args []string) (queued, applied bool, err error) {
	var kind QueuedKind
	switch name {
	case "SET":
		kind = QueuedSet
	case "INCR":
		kind = QueuedIncr
	case "XADD":
		kind = QueuedXadd
	default:
		return false, false, nil
	}
	st.Tx.Enqueue(kind, args)
	return true, true, writeAll(w, protocol.EncodeSimpleString("QUEUED"))
}

func handlePing(w io.Writer, st *ConnState) (bool, error) {
	if st.Kind == KindPrimaryConnection {
		// The primary's keepalive pings are swallowed: a replica never
		// talks back on its upstream connection for a bare PING.
		return true, nil
	}
	return true, writeAll(w, protocol.EncodeSimpleString("PONG"))
}

func handleEcho(w io.Writer, args []string) (bool, error) {
	if len(args) < 1 {
		log.Warning("echo command is missing arguments")
		return false, nil
	}
	return true, writeAll(w, protocol.EncodeBulkString(args[0]))
}

func handleGet(w io.Writer, deps *Deps, args []string) (bool, error) {
	if len(args) < 1 {
		log.Warning("get command is missing arguments")
		return false, nil
	}
	v, ok := deps.KS.GetString(args[0])
	if !ok {
		return true, writeAll(w, protocol.EncodeNullBulkString())
	}
	return true, writeAll(w, protocol.EncodeBulkString(v))
}

func handleSet(w io.Writer, st *ConnState, deps *Deps, cmd protocol.Command, args []string) (bool, error) {
	if len(args) < 2 {
		log.Warning("set command is missing arguments")
		return false, nil
	}
	if !writeCapable(st.Kind) {
		return replyReadOnly(w, st)
	}
	key, value, rest := args[0], args[1], args[2:]
	expiresAt, ok := parseExpiry(rest)
	if !ok {
		log.Warning("set command has an invalid PX argument")
		return false, nil
	}
	guard := deps.KS.SetString(key, value, expiresAt)
	replicateAndRelease(st, deps, guard, cmd)
	if st.Kind == KindPrimaryConnection {
		return true, nil // applying an upstream write: no reply to the master
	}
	return true, writeAll(w, protocol.EncodeSimpleString("OK"))
}

// parseExpiry scans rest for a case-insensitive "PX <millis>" pair.
func parseExpiry(rest []string) (*time.Time, bool) {
	for i, tok := range rest {
		if strings.EqualFold(tok, "PX") {
			if i+1 >= len(rest) {
				return nil, false
			}
			ms, err := strconv.ParseInt(rest[i+1], 10, 64)
			if err != nil {
				return nil, false
			}
			t := time.Now().Add(time.Duration(ms) * time.Millisecond)
			return &t, true
		}
	}
	return nil, true
}

func handleIncr(w io.Writer, st *ConnState, deps *Deps, cmd protocol.Command, args []string) (bool, error) {
	if len(args) < 1 {
		log.Warning("incr command is missing arguments")
		return false, nil
	}
	if !writeCapable(st.Kind) {
		return replyReadOnly(w, st)
	}
	guard, n, err := deps.KS.Increment(args[0])
	if err != nil {
		if st.Kind == KindPrimaryConnection {
			return false, nil
		}
		return false, writeAll(w, protocol.EncodeError(storage.ErrMismatch.Error()))
	}
	replicateAndRelease(st, deps, guard, cmd)
	if st.Kind == KindPrimaryConnection {
		return true, nil
	}
	return true, writeAll(w, protocol.EncodeInteger(n))
}

func handleXadd(w io.Writer, st *ConnState, deps *Deps, cmd protocol.Command, args []string) (bool, error) {
	if len(args) < 4 || len(args)%2 != 0 {
		log.Warning("xadd command is missing arguments")
		return false, nil
	}
	if !writeCapable(st.Kind) {
		return replyReadOnly(w, st)
	}
	key, id := args[0], args[1]
	if id == "*" {
		id = fmt.Sprintf("%d-0", time.Now().UnixMilli())
	}
	fields := make(map[string]string, (len(args)-2)/2)
	for i := 2; i+1 < len(args); i += 2 {
		fields[args[i]] = args[i+1]
	}
	guard, err := deps.KS.AppendToStream(key, storage.StreamEntry{ID: id, Fields: fields})
	if err != nil {
		if st.Kind == KindPrimaryConnection {
			return false, nil
		}
		return false, writeAll(w, protocol.EncodeError(err.Error()))
	}
	replicateAndRelease(st, deps, guard, cmd)
	if st.Kind == KindPrimaryConnection {
		return true, nil
	}
	return true, writeAll(w, protocol.EncodeBulkString(id))
}

// replicateAndRelease publishes cmd to the bus while the write guard is
// still held, then releases it — the write-then-publish-then-release
// discipline that is the concurrency hinge of this design (SPEC_FULL §5).
// A replica applying an upstream write does not replicate onward.
func replicateAndRelease(st *ConnState, deps *Deps, guard *storage.WriteGuard, cmd protocol.Command) {
	defer guard.Release()
	if st.Kind == KindPrimaryConnection {
		return
	}
	offset := deps.Bus.Publish(cmd)
	st.ReplicatedOffset = offset
}

// replyReadOnly rejects a write attempted on a connection that cannot
// accept one. SET/INCR/XADD call it once writeCapable(st.Kind) is false,
// and handleWait calls it only after excluding KindPrimaryConnection and
// KindExternalReadWrite, so st.Kind is never KindPrimaryConnection here —
// every caller reaches this with a peer it may reply to.
func replyReadOnly(w io.Writer, st *ConnState) (bool, error) {
	return false, writeAll(w, protocol.EncodeError("ERR unable to write against this connection"))
}

func handleInfo(w io.Writer, deps *Deps, args []string) (bool, error) {
	for _, section := range args {
		if strings.EqualFold(section, "replication") {
			if err := writeInfoReplication(w, deps); err != nil {
				return false, err
			}
		} else {
			log.Warningf("unknown INFO section %s", section)
		}
	}
	if len(args) == 0 {
		return true, writeInfoReplication(w, deps)
	}
	return true, nil
}

func writeInfoReplication(w io.Writer, deps *Deps) error {
	role := "master"
	if deps.IsReplica {
		role = "slave"
	}
	body := fmt.Sprintf("# Replication\r\nrole:%s\r\nmaster_replid:%s\r\nmaster_repl_offset:%d\r\n",
		role, deps.ReplicationID, deps.Bus.Offset())
	return writeAll(w, protocol.EncodeBulkString(body))
}

func handleReplConf(w io.Writer, st *ConnState, deps *Deps, args []string) (bool, error) {
	if len(args) < 2 {
		log.Warning("replconf command is missing arguments")
		return false, nil
	}
	switch strings.ToUpper(args[0]) {
	case "CAPA":
		if strings.EqualFold(args[1], "psync2") {
			return true, writeAll(w, protocol.EncodeSimpleString("OK"))
		}
		log.Warning("unexpected replconf capability")
		return false, nil
	case "LISTENING-PORT":
		if _, err := strconv.ParseUint(args[1], 10, 16); err != nil {
			log.Warningf("replica listening-port is not a valid port: %v", err)
			return false, nil
		}
		st.ListeningPort = args[1]
		return true, writeAll(w, protocol.EncodeSimpleString("OK"))
	case "GETACK":
		if st.Kind != KindPrimaryConnection {
			log.Warning("GETACK received outside a master connection")
			return false, nil
		}
		return true, writeAll(w, protocol.Encode([]string{"REPLCONF", "ACK", strconv.FormatUint(st.ReplicatedOffset, 10)}))
	case "ACK":
		if st.Kind != KindAttachedReplica {
			log.Warning("ACK received outside an attached-replica connection")
			return false, nil
		}
		offset, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			log.Warningf("replica ack offset is not a valid integer: %v", err)
			return false, nil
		}
		if st.HasReplicaID && !deps.Registry.UpdateOffset(st.ReplicaID, offset) {
			log.Warningf("replica %d reported a regressed ack offset %d", st.ReplicaID, offset)
			return false, fmt.Errorf("handler: replica %d reported a regressed ack offset %d", st.ReplicaID, offset)
		}
		return true, nil
	default:
		log.Warningf("unexpected replconf argument %s", args[0])
		return false, nil
	}
}

func handlePsync(w io.Writer, st *ConnState, deps *Deps, args []string) (bool, error) {
	if len(args) < 2 || args[0] != "?" || args[1] != "-1" {
		log.Warning("unexpected psync arguments; only full resync from scratch is supported")
		return false, nil
	}
	if st.Kind != KindExternalReadWrite {
		log.Warning("psync received on a non-external-read-write connection")
		return false, nil
	}
	// Subscribe before replying so that every write published after this
	// point — including ones racing the reply — is queued for the new
	// subscriber (SPEC_FULL §5 "atomic promotion").
	st.Sub = deps.Bus.Subscribe()
	st.ReplicaID = deps.Registry.Connect()
	st.HasReplicaID = true
	offset := deps.Bus.Offset()
	if err := writeAll(w, protocol.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s %d", deps.ReplicationID, offset))); err != nil {
		return false, err
	}
	if err := writeAll(w, protocol.EncodeRawBulkString(deps.SnapshotFn())); err != nil {
		return false, err
	}
	st.Kind = KindAttachedReplica
	return true, nil
}

const waitPollInterval = 10 * time.Millisecond
const waitMaxTimeoutMS = 600_000

// handleWait is valid only on a primary's external read-write connection —
// spec.md's "only on primary-external" restriction, grounded on
// original_source/src/handlers.rs's wait() checking
// ConnectionKind::ServerMasterConnectionExternal before anything else. This
// is stricter than writeCapable(st.Kind): unlike SET/INCR/XADD, WAIT must
// never run on a replica's own connection to its master.
func handleWait(w io.Writer, st *ConnState, deps *Deps, args []string) (bool, error) {
	if st.Kind == KindPrimaryConnection {
		// Never reply on the connection to our own master, same as
		// handlePing/handleSet/handleIncr/handleXadd swallow their replies
		// there instead of writing back onto the replication stream.
		log.Warning("wait command was called via the master connection")
		return false, nil
	}
	if st.Kind != KindExternalReadWrite {
		log.Warning("wait command was called via a non-external-read-write connection")
		return replyReadOnly(w, st)
	}
	if len(args) < 2 {
		log.Warning("wait command is missing arguments")
		return false, nil
	}
	needCount, err1 := strconv.Atoi(args[0])
	timeoutMS, err2 := strconv.ParseInt(args[1], 10, 64)
	if err1 != nil || err2 != nil {
		log.Warning("wait command has invalid arguments")
		return false, nil
	}
	if timeoutMS > waitMaxTimeoutMS {
		timeoutMS = waitMaxTimeoutMS
	}
	target := st.ReplicatedOffset
	acked, waiting := deps.Registry.CheckAcknowledged(target)
	if waiting > 0 && acked < needCount {
		getack := protocol.Command{Argv: []string{"REPLCONF", "GETACK", "*"}}
		getack.ByteSize = len(protocol.Encode(getack.Argv))
		deps.Bus.Publish(getack)

		deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
		ticker := time.NewTicker(waitPollInterval)
		defer ticker.Stop()
		for time.Now().Before(deadline) {
			<-ticker.C
			acked, _ = deps.Registry.CheckAcknowledged(target)
			if acked >= needCount {
				break
			}
		}
	}
	return true, writeAll(w, protocol.EncodeInteger(int64(acked)))
}

func handleConfig(w io.Writer, deps *Deps, args []string) (bool, error) {
	if len(args) < 2 || !strings.EqualFold(args[0], "GET") {
		log.Warning("config command is missing arguments")
		return false, nil
	}
	name := strings.ToLower(args[1])
	var value string
	switch name {
	case "dir":
		value = deps.Dir
	case "dbfilename":
		value = deps.DBFilename
	default:
		return true, writeAll(w, protocol.EncodeArray(nil))
	}
	return true, writeAll(w, protocol.Encode([]string{args[1], value}))
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	if err != nil {
		return fmt.Errorf("handler: write reply: %w", err)
	}
	return nil
}
