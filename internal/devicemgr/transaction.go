package devicemgr

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one timestamped line of a transaction log.
type LogEntry struct {
	At   time.Time
	Text string
}

// Transaction scopes the logs of one client connection. It lives from the
// connection's hello until the connection closes.
type Transaction struct {
	ID     string
	Opened time.Time

	mu           sync.Mutex
	lastActivity time.Time
	messages     []LogEntry
	errors       []LogEntry
}

// TransactionSnapshot is a copy of a transaction's state.
type TransactionSnapshot struct {
	ID           string
	Opened       time.Time
	LastActivity time.Time
	Messages     []LogEntry
	Errors       []LogEntry
}

func newTransaction(id string, now time.Time) *Transaction {
	return &Transaction{ID: id, Opened: now, lastActivity: now}
}

func (t *Transaction) touch(now time.Time) {
	t.mu.Lock()
	t.lastActivity = now
	t.mu.Unlock()
}

func (t *Transaction) addMessage(now time.Time, text string) {
	t.mu.Lock()
	t.messages = append(t.messages, LogEntry{At: now, Text: text})
	t.mu.Unlock()
}

func (t *Transaction) addError(now time.Time, text string) {
	t.mu.Lock()
	t.errors = append(t.errors, LogEntry{At: now, Text: text})
	t.mu.Unlock()
}

func (t *Transaction) snapshot() TransactionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransactionSnapshot{
		ID:           t.ID,
		Opened:       t.Opened,
		LastActivity: t.lastActivity,
		Messages:     append([]LogEntry(nil), t.messages...),
		Errors:       append([]LogEntry(nil), t.errors...),
	}
}

// flush writes the logs out and drops them.
func (t *Transaction) flush(logger *slog.Logger, logID string) {
	t.mu.Lock()
	messages, errs := t.messages, t.errors
	t.messages, t.errors = nil, nil
	t.mu.Unlock()

	for _, e := range messages {
		logger.Debug(e.Text, "txid", logID, "at", e.At)
	}
	for _, e := range errs {
		logger.Warn(e.Text, "txid", logID, "at", e.At)
	}
	logger.Info("transaction closed", "txid", logID,
		"messages", len(messages), "errors", len(errs))
}
