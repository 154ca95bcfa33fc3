package checkpoint

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lightning/internal/crypto"
	"lightning/internal/types"
)

// Listener drives the checkpointer side process described by spec.md §4.5:
// on a local EpochChanged notification it signs and broadcasts an
// attestation; on incoming broadcast attestations it hands them to the
// Aggregator. Bounded concurrency via errgroup mirrors the "cooperative
// async tasks" scheduling model of spec.md §5.
type Listener struct {
	aggregator  *Aggregator
	broadcaster types.Broadcaster
	notifier    types.Notifier
	blsSecret   *crypto.BLSSecretKey
	nodeID      types.NodeIndex
	log         *logrus.Logger
}

func NewListener(agg *Aggregator, broadcaster types.Broadcaster, notifier types.Notifier, blsSecret *crypto.BLSSecretKey, nodeID types.NodeIndex, log *logrus.Logger) *Listener {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Listener{aggregator: agg, broadcaster: broadcaster, notifier: notifier, blsSecret: blsSecret, nodeID: nodeID, log: log}
}

// Run subscribes to local epoch-change events and incoming checkpoint
// broadcasts until ctx is cancelled, honoring shutdown cooperatively at each
// channel receive (spec.md §5 "Cancellation").
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return l.runEpochSigner(ctx) })
	g.Go(func() error { return l.runAttestationIntake(ctx) })

	return g.Wait()
}

func (l *Listener) runEpochSigner(ctx context.Context) error {
	events, unsubscribe := l.notifier.SubscribeEpochChanged()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.signAndBroadcast(ctx, ev); err != nil {
				l.log.WithError(err).Warn("checkpoint: failed to broadcast attestation")
			}
		}
	}
}

func (l *Listener) signAndBroadcast(ctx context.Context, ev types.EpochChangedEvent) error {
	msg, err := crypto.AttestationDigest(ev.Epoch, ev.PreviousStateRoot, ev.NextStateRoot, ev.LastBlockDigest)
	if err != nil {
		return err
	}
	att := Attestation{
		Epoch:             ev.Epoch,
		PreviousStateRoot: ev.PreviousStateRoot,
		NextStateRoot:     ev.NextStateRoot,
		Digest:            ev.LastBlockDigest,
		NodeID:            l.nodeID,
		Signature:         l.blsSecret.Sign(msg),
	}
	payload, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return l.broadcaster.PublishCheckpoint(ctx, payload)
}

func (l *Listener) runAttestationIntake(ctx context.Context) error {
	incoming, unsubscribe := l.broadcaster.SubscribeCheckpoint()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-incoming:
			if !ok {
				return nil
			}
			var att Attestation
			if err := json.Unmarshal(raw, &att); err != nil {
				continue // malformed broadcast payload: ignore, not fatal
			}
			if err := l.aggregator.HandleAttestation(att); err != nil {
				l.log.WithError(err).Warn("checkpoint: failed to process attestation")
			}
		}
	}
}
