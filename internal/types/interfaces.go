package types

import "context"

// The interfaces below describe the external collaborators spec.md §1 and
// §6.1 name but puts out of scope: the mempool, broadcast pub-sub, the
// block-executed notifier, and the keystore. The core only ever depends on
// these shapes; production implementations (networking, RPC, disk-backed
// keystore) live outside this module.

// MempoolSocket delivers ordered blocks to the executor driver and carries
// back the per-block execution response (spec.md §6.1).
type MempoolSocket interface {
	Recv(ctx context.Context) (Block, error)
	Respond(ctx context.Context, resp BlockExecutionResponse) error
}

// MempoolProducer is the client-facing half of the mempool socket: the
// "many producers" side of its MPSC queue (spec.md §5 "Shared resources"),
// used by internal/txclient to submit a signed TransactionRequest.
type MempoolProducer interface {
	Submit(ctx context.Context, tx TransactionRequest) error
}

// EpochChangedEvent is emitted once per completed epoch rotation.
type EpochChangedEvent struct {
	Epoch             Epoch
	PreviousStateRoot Hash
	NextStateRoot     Hash
	LastBlockDigest   Hash
}

// Notifier fans BlockExecuted and EpochChanged events out to local
// subscribers (spec.md §6.1). Implementations must deliver in block order.
type Notifier interface {
	NotifyBlockExecuted(resp BlockExecutionResponse)
	NotifyEpochChanged(ev EpochChangedEvent)
	SubscribeBlockExecuted() (<-chan BlockExecutionResponse, func())
	SubscribeEpochChanged() (<-chan EpochChangedEvent, func())
}

// Broadcaster publishes and receives messages on the checkpoint pub-sub
// topic (spec.md §6.1). Other consensus topics are opaque to the core.
type Broadcaster interface {
	PublishCheckpoint(ctx context.Context, payload []byte) error
	SubscribeCheckpoint() (<-chan []byte, func())
}

// Keystore returns the node's cryptographic identity, accessed synchronously
// at startup (spec.md §6.1).
type Keystore interface {
	NodeSecretKey() (ed25519Seed [32]byte, err error)
	ConsensusSecretKey() (blsSecretKeyBytes []byte, err error)
}
