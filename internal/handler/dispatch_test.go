package handler

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goredis/internal/protocol"
	"goredis/internal/rdb"
	"goredis/internal/replication"
	"goredis/internal/storage"
)

func newTestDeps() *Deps {
	return &Deps{
		KS:            storage.New(),
		Bus:           replication.NewBus(),
		Registry:      replication.NewRegistry(),
		ReplicationID: "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb",
		SnapshotFn:    rdb.EmptySnapshot,
	}
}

func dispatch(t *testing.T, st *ConnState, deps *Deps, argv ...string) string {
	t.Helper()
	var buf bytes.Buffer
	cmd := protocol.Command{Argv: argv, ByteSize: len(protocol.Encode(argv))}
	_, err := Dispatch(&buf, st, deps, cmd)
	require.NoError(t, err)
	return buf.String()
}

func TestPingRepliesPong(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	require.Equal(t, "+PONG\r\n", dispatch(t, st, newTestDeps(), "PING"))
}

func TestPingIsSwallowedOnPrimaryConnection(t *testing.T) {
	st := &ConnState{Kind: KindPrimaryConnection}
	require.Equal(t, "", dispatch(t, st, newTestDeps(), "PING"))
}

func TestSetThenGet(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	require.Equal(t, "+OK\r\n", dispatch(t, st, deps, "SET", "foo", "bar"))
	require.Equal(t, "$3\r\nbar\r\n", dispatch(t, st, deps, "GET", "foo"))
}

func TestSetStampsConnectionReplicatedOffset(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	dispatch(t, st, deps, "SET", "foo", "bar")
	require.Equal(t, deps.Bus.Offset(), st.ReplicatedOffset)
	require.Greater(t, st.ReplicatedOffset, uint64(0))
}

func TestSetWithExpiryThenMissingAfterExpiry(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	dispatch(t, st, deps, "SET", "foo", "bar", "PX", "1")
	time.Sleep(5 * time.Millisecond)
	require.Equal(t, "$-1\r\n", dispatch(t, st, deps, "GET", "foo"))
}

func TestGetMissingKeyIsNullBulk(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	require.Equal(t, "$-1\r\n", dispatch(t, st, newTestDeps(), "GET", "nope"))
}

func TestIncrTwiceFromMissing(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	require.Equal(t, ":1\r\n", dispatch(t, st, deps, "INCR", "counter"))
	require.Equal(t, ":2\r\n", dispatch(t, st, deps, "INCR", "counter"))
}

func TestIncrOnNonNumericStringIsCanonicalError(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	dispatch(t, st, deps, "SET", "s", "abc")
	offsetBefore := deps.Bus.Offset()
	reply := dispatch(t, st, deps, "INCR", "s")
	require.Equal(t, "-ERR value is not an integer or out of range\r\n", reply)
	require.Equal(t, offsetBefore, deps.Bus.Offset(), "a type-mismatch must not replicate")
}

func TestWriteRejectedOnReadOnlyExternalConnection(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadOnly}
	reply := dispatch(t, st, newTestDeps(), "SET", "foo", "bar")
	require.Contains(t, reply, "-ERR")
}

func TestReplConfGetAckOnPrimaryConnectionReportsOffset(t *testing.T) {
	st := &ConnState{Kind: KindPrimaryConnection, ReplicatedOffset: 37}
	reply := dispatch(t, st, newTestDeps(), "REPLCONF", "GETACK", "*")
	require.Equal(t, string(protocol.Encode([]string{"REPLCONF", "ACK", "37"})), reply)
}

func TestPsyncPromotesConnectionAndSubscribes(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	var buf bytes.Buffer
	cmd := protocol.Command{Argv: []string{"PSYNC", "?", "-1"}}
	applied, err := Dispatch(&buf, st, deps, cmd)
	require.NoError(t, err)
	require.True(t, applied, "a successful PSYNC is reported as applied, not as a rejection")
	require.Equal(t, KindAttachedReplica, st.Kind)
	require.NotNil(t, st.Sub)
	require.True(t, st.HasReplicaID)
	require.Contains(t, buf.String(), "+FULLRESYNC "+deps.ReplicationID)
}

func TestWaitReturnsImmediatelyWhenNoReplicas(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	dispatch(t, st, deps, "SET", "a", "1")
	reply := dispatch(t, st, deps, "WAIT", "0", "100")
	require.Equal(t, ":0\r\n", reply)
}

func TestMultiQueuesWritesAndDiscardClearsThem(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	require.Equal(t, "+OK\r\n", dispatch(t, st, deps, "MULTI"))
	require.Equal(t, "+QUEUED\r\n", dispatch(t, st, deps, "SET", "foo", "bar"))
	require.Equal(t, "+QUEUED\r\n", dispatch(t, st, deps, "INCR", "counter"))
	require.Len(t, st.Tx.Queue, 2)
	require.Equal(t, "$-1\r\n", dispatch(t, st, deps, "GET", "foo"), "queued SET must not have applied")

	require.Equal(t, "+OK\r\n", dispatch(t, st, deps, "DISCARD"))
	require.False(t, st.Tx.Started)
	require.Empty(t, st.Tx.Queue)
}

func TestExecWithoutMultiIsAnError(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	reply := dispatch(t, st, newTestDeps(), "EXEC")
	require.Equal(t, "-ERR EXEC without MULTI\r\n", reply)
}

func TestExecAfterMultiIsNotSupportedButClearsQueue(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	dispatch(t, st, deps, "MULTI")
	dispatch(t, st, deps, "SET", "foo", "bar")
	reply := dispatch(t, st, deps, "EXEC")
	require.Contains(t, reply, "-ERR")
	require.False(t, st.Tx.Started)
	require.Empty(t, st.Tx.Queue)
}

func TestIncrTypeMismatchOnPrimaryConnectionIsNotApplied(t *testing.T) {
	st := &ConnState{Kind: KindPrimaryConnection}
	deps := newTestDeps()
	cmd := protocol.Command{Argv: []string{"SET", "s", "abc"}, ByteSize: len(protocol.Encode([]string{"SET", "s", "abc"}))}
	applied, err := Dispatch(&bytes.Buffer{}, st, deps, cmd)
	require.NoError(t, err)
	require.True(t, applied)

	var buf bytes.Buffer
	cmd = protocol.Command{Argv: []string{"INCR", "s"}, ByteSize: len(protocol.Encode([]string{"INCR", "s"}))}
	applied, err = Dispatch(&buf, st, deps, cmd)
	require.NoError(t, err, "a recoverable rejection must not close the connection")
	require.False(t, applied, "a type mismatch must not be reported as applied")
}

func TestXaddTypeMismatchOnPrimaryConnectionIsNotApplied(t *testing.T) {
	st := &ConnState{Kind: KindPrimaryConnection}
	deps := newTestDeps()
	dispatch(t, st, deps, "SET", "s", "abc")

	var buf bytes.Buffer
	cmd := protocol.Command{Argv: []string{"XADD", "s", "*", "field", "value"}}
	cmd.ByteSize = len(protocol.Encode(cmd.Argv))
	applied, err := Dispatch(&buf, st, deps, cmd)
	require.NoError(t, err)
	require.False(t, applied, "XADD against a non-stream key must not be reported as applied")
}

func TestWaitRejectedOnPrimaryConnection(t *testing.T) {
	st := &ConnState{Kind: KindPrimaryConnection}
	reply := dispatch(t, st, newTestDeps(), "WAIT", "0", "100")
	require.Empty(t, reply, "WAIT must never run on, or reply over, a replica's master-connection")
}

func TestWaitRejectedOnAttachedReplica(t *testing.T) {
	st := &ConnState{Kind: KindAttachedReplica}
	reply := dispatch(t, st, newTestDeps(), "WAIT", "0", "100")
	require.Contains(t, reply, "-ERR")
}

func TestWaitRejectedOnExternalReadOnlyConnection(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadOnly}
	reply := dispatch(t, st, newTestDeps(), "WAIT", "0", "100")
	require.Contains(t, reply, "-ERR", "WAIT is only valid on a primary's external read-write connection")
}

func TestConfigGetReturnsDirAndDbfilename(t *testing.T) {
	st := &ConnState{Kind: KindExternalReadWrite}
	deps := newTestDeps()
	deps.Dir = "/data"
	deps.DBFilename = "dump.rdb"
	reply := dispatch(t, st, deps, "CONFIG", "GET", "dir")
	require.Equal(t, string(protocol.Encode([]string{"dir", "/data"})), reply)
}
