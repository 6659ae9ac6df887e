package handler

// QueuedCommand is one command enqueued inside a MULTI block. Only the
// write commands that participate in replication are representable here,
// grounded on original_source/src/transaction.rs's QueuedCommand enum.
type QueuedCommand struct {
	Kind QueuedKind
	Argv []string
}

type QueuedKind int

const (
	QueuedSet QueuedKind = iota
	QueuedIncr
	QueuedXadd
)

// Transaction holds the MULTI queue for one connection. EXEC is
// intentionally not wired to atomic application: this data structure
// exists so a future implementer can add it without reshaping the
// connection state, per spec.md's explicit sanction of this partial
// feature.
type Transaction struct {
	Started bool
	Queue   []QueuedCommand
}

// Begin marks the transaction as started, clearing any stale queue.
func (t *Transaction) Begin() {
	t.Started = true
	t.Queue = nil
}

// Enqueue appends a command to the transaction queue.
func (t *Transaction) Enqueue(kind QueuedKind, argv []string) {
	t.Queue = append(t.Queue, QueuedCommand{Kind: kind, Argv: argv})
}

// Discard clears the transaction state.
func (t *Transaction) Discard() {
	t.Started = false
	t.Queue = nil
}
