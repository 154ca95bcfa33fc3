// Package localnet provides in-process implementations of the external
// collaborators spec.md §1 and §6.1 deliberately put out of scope for the
// core: the mempool socket, the block-executed notifier, the checkpoint
// broadcaster, and the keystore. Real deployments replace these with actual
// networking and a disk-backed keystore; localnet exists so cmd/lightningd
// can boot a single, self-contained node for development and testing, the
// same role the teacher's "testnet start" mock filled for its own CLI.
package localnet

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"sync"

	"lightning/internal/types"
)

// Mempool is an in-process, single-consumer FIFO of blocks: Submit appends a
// transaction to the block currently being assembled, and Recv hands the
// executor driver one block at a time. It satisfies both
// types.MempoolSocket (the executor driver side) and types.MempoolProducer
// (the txclient side).
type Mempool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []types.TransactionRequest
	nextNum  uint64
	closed   bool
	respOnce map[types.TxHash]chan types.ExecutionResponse
}

func NewMempool() *Mempool {
	m := &Mempool{respOnce: make(map[types.TxHash]chan types.ExecutionResponse)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Submit enqueues tx for the next block. It never blocks on execution; the
// caller awaits a receipt, if it wants one, via the Notifier.
func (m *Mempool) Submit(_ context.Context, tx types.TransactionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("localnet: mempool closed")
	}
	m.pending = append(m.pending, tx)
	m.cond.Signal()
	return nil
}

// Recv blocks until at least one transaction is pending, then drains it into
// a single block. Cancelling ctx unblocks a waiting Recv with ctx.Err().
func (m *Mempool) Recv(ctx context.Context) (types.Block, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pending) == 0 && !m.closed {
		if ctx.Err() != nil {
			return types.Block{}, ctx.Err()
		}
		m.cond.Wait()
	}
	if ctx.Err() != nil {
		return types.Block{}, ctx.Err()
	}
	txs := m.pending
	m.pending = nil
	m.nextNum++
	return types.Block{BlockNumber: m.nextNum, Transactions: txs}, nil
}

// Respond is a no-op: localnet surfaces execution results via the Notifier,
// not back through the mempool socket.
func (m *Mempool) Respond(context.Context, types.BlockExecutionResponse) error { return nil }

// Close unblocks any Recv waiting on an empty queue.
func (m *Mempool) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}

// Notifier fans BlockExecuted/EpochChanged events out to local subscriber
// channels, dropping the event for any subscriber whose buffer is full
// rather than blocking the executor (spec.md §6.1 notifier "never blocks
// writers").
type Notifier struct {
	mu          sync.Mutex
	blockSubs   map[int]chan types.BlockExecutionResponse
	epochSubs   map[int]chan types.EpochChangedEvent
	nextBlockID int
	nextEpochID int
}

func NewNotifier() *Notifier {
	return &Notifier{
		blockSubs: make(map[int]chan types.BlockExecutionResponse),
		epochSubs: make(map[int]chan types.EpochChangedEvent),
	}
}

func (n *Notifier) NotifyBlockExecuted(resp types.BlockExecutionResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.blockSubs {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (n *Notifier) NotifyEpochChanged(ev types.EpochChangedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.epochSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *Notifier) SubscribeBlockExecuted() (<-chan types.BlockExecutionResponse, func()) {
	ch := make(chan types.BlockExecutionResponse, 64)
	n.mu.Lock()
	id := n.nextBlockID
	n.nextBlockID++
	n.blockSubs[id] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.blockSubs, id)
		n.mu.Unlock()
	}
}

func (n *Notifier) SubscribeEpochChanged() (<-chan types.EpochChangedEvent, func()) {
	ch := make(chan types.EpochChangedEvent, 16)
	n.mu.Lock()
	id := n.nextEpochID
	n.nextEpochID++
	n.epochSubs[id] = ch
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.epochSubs, id)
		n.mu.Unlock()
	}
}

// Broadcaster loops checkpoint attestation payloads back to every local
// subscriber, standing in for a real gossip transport in a single-node
// deployment.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan []byte)}
}

func (b *Broadcaster) PublishCheckpoint(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) SubscribeCheckpoint() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// FileKeystore reads raw 32-byte Ed25519 and BLS secret seeds from disk.
// Production deployments are expected to substitute a hardware-backed or
// encrypted implementation; FileKeystore is deliberately the simplest thing
// that satisfies types.Keystore for local runs.
type FileKeystore struct {
	MainKeyPath      string
	ConsensusKeyPath string
}

func (k FileKeystore) NodeSecretKey() ([32]byte, error) {
	return readSeed32(k.MainKeyPath)
}

func (k FileKeystore) ConsensusSecretKey() ([]byte, error) {
	seed, err := readSeed32(k.ConsensusKeyPath)
	if err != nil {
		return nil, err
	}
	return seed[:], nil
}

func readSeed32(path string) ([32]byte, error) {
	var seed [32]byte
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("localnet: read key file %s: %w", path, err)
	}
	if len(raw) != 32 {
		return seed, fmt.Errorf("localnet: key file %s must hold exactly 32 bytes, got %d", path, len(raw))
	}
	copy(seed[:], raw)
	return seed, nil
}

// GenerateEd25519Seed derives a fresh Ed25519 seed, for `lightningd keys
// generate`.
func GenerateEd25519Seed() ([32]byte, error) {
	var seed [32]byte
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return seed, err
	}
	copy(seed[:], priv.Seed())
	return seed, nil
}
