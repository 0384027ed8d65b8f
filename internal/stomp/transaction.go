package stomp

import "sync"

// bufferedFrame is one SEND/ACK/NACK buffered inside a live transaction,
// awaiting COMMIT or ABORT.
type bufferedFrame struct {
	frame *Frame
}

// Transaction is the ordered, size-bounded buffer of frames accumulated
// between a connection's BEGIN and its matching COMMIT or ABORT.
type Transaction struct {
	ID     string
	ConnID string
	frames []bufferedFrame
}

// transactionKey identifies a transaction within a TransactionManager.
type transactionKey struct {
	connID string
	txID   string
}

// TransactionManager owns every live transaction across all connections,
// partitioned so that a given connection's transactions are only ever
// touched by that connection's own dispatch goroutine; the mutex exists to
// protect the shared map structure itself, not cross-connection contention.
type TransactionManager struct {
	mu        sync.Mutex
	byKey     map[transactionKey]*Transaction
	byConn    map[string]map[string]*Transaction
	maxFrames int // <=0 disables the cap
}

// NewTransactionManager constructs a manager enforcing maxFrames per
// transaction (a value <= 0 disables the limit).
func NewTransactionManager(maxFrames int) *TransactionManager {
	return &TransactionManager{
		byKey:     make(map[transactionKey]*Transaction),
		byConn:    make(map[string]map[string]*Transaction),
		maxFrames: maxFrames,
	}
}

// Begin creates a new transaction. It returns ErrTransactionExists if one
// already exists for (connID, txID).
func (m *TransactionManager) Begin(connID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := transactionKey{connID: connID, txID: txID}
	if _, exists := m.byKey[key]; exists {
		return ErrTransactionExists
	}
	tx := &Transaction{ID: txID, ConnID: connID}
	m.byKey[key] = tx
	if m.byConn[connID] == nil {
		m.byConn[connID] = make(map[string]*Transaction)
	}
	m.byConn[connID][txID] = tx
	return nil
}

// Append buffers frame into the named transaction. If appending would exceed
// maxFrames, every transaction belonging to connID is dropped and
// ErrTooManyFramesInTx is returned. ErrUnknownTransaction is returned, with
// no side effect on other transactions, if (connID, txID) does not exist —
// callers that must also destroy siblings on an unknown-transaction
// reference (COMMIT, ABORT) do so explicitly via DropAllForConn.
func (m *TransactionManager) Append(connID, txID string, frame *Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byKey[transactionKey{connID: connID, txID: txID}]
	if !ok {
		return ErrUnknownTransaction
	}
	if m.maxFrames > 0 && len(tx.frames) >= m.maxFrames {
		m.dropAllForConnLocked(connID)
		return ErrTooManyFramesInTx
	}
	tx.frames = append(tx.frames, bufferedFrame{frame: frame})
	return nil
}

// Take removes and returns the transaction (its buffered frames included) for
// COMMIT, or reports ErrUnknownTransaction. The caller is responsible for
// calling DropAllForConn on the unknown-transaction path to apply the
// connection-wide teardown the protocol requires.
func (m *TransactionManager) Take(connID, txID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := transactionKey{connID: connID, txID: txID}
	tx, ok := m.byKey[key]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	delete(m.byKey, key)
	if conn := m.byConn[connID]; conn != nil {
		delete(conn, txID)
		if len(conn) == 0 {
			delete(m.byConn, connID)
		}
	}
	return tx, nil
}

// DropAllForConn discards every live transaction owned by connID, with no
// side effects (no replay, no dispatch) on their buffered frames. It is used
// both when a SEND would overflow maxFrames and when a COMMIT or ABORT
// references an unrecognised transaction id.
func (m *TransactionManager) DropAllForConn(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAllForConnLocked(connID)
}

func (m *TransactionManager) dropAllForConnLocked(connID string) {
	conn := m.byConn[connID]
	for txID := range conn {
		delete(m.byKey, transactionKey{connID: connID, txID: txID})
	}
	delete(m.byConn, connID)
}

// Count returns the number of live transactions across all connections on
// this manager instance. The manager is always instance-scoped, never a
// process-wide singleton.
func (m *TransactionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// CountForConn returns the number of live transactions owned by connID.
func (m *TransactionManager) CountForConn(connID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byConn[connID])
}
