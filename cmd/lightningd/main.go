// Command lightningd is the node entrypoint: it wires storage, merklized
// state, the executor, the checkpointer, and the read-only query surface
// together behind a cobra root command, the way the teacher's cmd/synnergy
// wires its own mock testnet and token commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cliconfig "lightning/cmd/config"
	"lightning/internal/checkpoint"
	"lightning/internal/crypto"
	"lightning/internal/executor"
	"lightning/internal/genesis"
	"lightning/internal/localnet"
	"lightning/internal/merklize"
	"lightning/internal/query"
	"lightning/internal/state"
	"lightning/internal/storage"
	"lightning/internal/types"
	"lightning/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "lightningd"}
	root.PersistentFlags().String("env", "", "environment overlay to merge onto default.yaml (e.g. devnet)")

	root.AddCommand(runCmd())
	root.AddCommand(genesisCmd())
	root.AddCommand(keysCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("env")
	return cliconfig.LoadConfig(env)
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			log.SetOutput(f)
		}
	}
	return log
}

// node bundles every layer the run command boots, exposed for reuse by
// future RPC/CLI surfaces wired on top of the same process.
type node struct {
	engine   *storage.Engine
	tree     *merklize.Tree
	schema   *state.Schema
	executor *executor.Executor
	query    *query.Surface
	notifier *localnet.Notifier
	mempool  *localnet.Mempool
	log      *logrus.Logger
}

func bootNode(cfg *config.Config, log *logrus.Logger) (*node, error) {
	engine, err := storage.New(storage.Config{
		WALPath:      cfg.Storage.WALPath,
		SnapshotPath: cfg.Storage.SnapshotPath,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	tree, err := merklize.Open(engine)
	if err != nil {
		return nil, fmt.Errorf("open merklized state: %w", err)
	}
	schema, err := state.Open(engine)
	if err != nil {
		return nil, fmt.Errorf("open schema: %w", err)
	}

	if cfg.Node.GenesisFile != "" {
		if _, err := os.Stat(cfg.Node.GenesisFile); err == nil {
			doc, err := genesis.Load(cfg.Node.GenesisFile)
			if err != nil {
				return nil, fmt.Errorf("load genesis: %w", err)
			}
			if err := genesis.Apply(engine, schema, doc); err != nil {
				return nil, fmt.Errorf("apply genesis: %w", err)
			}
		}
	}

	var chainID uint64
	var params executor.Params
	if err := engine.View(func(rtx *storage.ReadCtx) error {
		if mv, ok, err := schema.Metadata.Get(rtx, string(state.MetaChainID)); err != nil {
			return err
		} else if ok && mv.UInt != nil {
			chainID = *mv.UInt
		}
		var perr error
		params, perr = executor.LoadParams(rtx, schema, executor.DefaultParams())
		return perr
	}); err != nil {
		return nil, fmt.Errorf("load chain params: %w", err)
	}

	notifier := localnet.NewNotifier()
	ex := executor.New(engine, tree, schema, params, chainID, notifier, log)

	qs, err := query.New(engine, tree, schema, cfg.Query.HotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("open query surface: %w", err)
	}

	return &node{
		engine:   engine,
		tree:     tree,
		schema:   schema,
		executor: ex,
		query:    qs,
		notifier: notifier,
		mempool:  localnet.NewMempool(),
		log:      log,
	}, nil
}

// driveExecutor pulls blocks off the mempool and applies them until ctx is
// cancelled, the single-node analogue of the consensus-driven block loop
// spec.md §6.1 puts outside this module's scope.
func (n *node) driveExecutor(ctx context.Context) error {
	for {
		block, err := n.mempool.Recv(ctx)
		if err != nil {
			return err
		}
		if _, err := n.executor.ExecuteBlock(block); err != nil {
			return fmt.Errorf("execute block %d: %w", block.BlockNumber, err)
		}
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "boot a single lightningd node against its local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			n, err := bootNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.engine.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			ks := localnet.FileKeystore{MainKeyPath: cfg.Keys.MainKeyFile, ConsensusKeyPath: cfg.Keys.ConsensusKeyFile}
			consensusSeedBytes, err := ks.ConsensusSecretKey()
			if err != nil {
				return fmt.Errorf("load consensus key: %w", err)
			}
			var consensusSeed [32]byte
			copy(consensusSeed[:], consensusSeedBytes)
			blsSecret, err := crypto.NewBLSSecretKeyFromSeed(consensusSeed)
			if err != nil {
				return fmt.Errorf("derive BLS secret key: %w", err)
			}

			var selfIndex types.NodeIndex
			pub := blsSecret.PublicKey()
			if err := n.engine.View(func(rtx *storage.ReadCtx) error {
				idx, ok, err := n.schema.ConsensusKeyToIndex.Get(rtx, types.ConsensusPublicKey(pub))
				if err != nil || !ok {
					return err
				}
				selfIndex = idx
				return nil
			}); err != nil {
				return fmt.Errorf("resolve node index: %w", err)
			}

			ckptStore, err := checkpoint.OpenStore(storage.Config{Logger: log})
			if err != nil {
				return fmt.Errorf("open checkpoint store: %w", err)
			}
			defer ckptStore.Close()
			view := &checkpoint.StateEpochView{Engine: n.engine, Schema: n.schema}
			aggregator := checkpoint.NewAggregator(ckptStore, view)
			broadcaster := localnet.NewBroadcaster()
			listener := checkpoint.NewListener(aggregator, broadcaster, n.notifier, blsSecret, selfIndex, log)

			g := make(chan error, 2)
			go func() { g <- n.driveExecutor(ctx) }()
			go func() { g <- listener.Run(ctx) }()

			log.WithField("chain_state_root", n.tree.StateRoot().String()).Info("lightningd: node running")
			select {
			case <-ctx.Done():
				return nil
			case err := <-g:
				if err == context.Canceled {
					return nil
				}
				return err
			}
		},
	}
}

func genesisCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "genesis", Short: "inspect and apply genesis documents"}

	verify := &cobra.Command{
		Use:   "verify [path]",
		Short: "load a genesis document and report its committee/account seed counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := genesis.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("chain_id=%d committee=%d services=%d accounts=%d\n",
				doc.ChainID, len(doc.Committee), len(doc.Services), len(doc.Accounts))
			return nil
		},
	}

	apply := &cobra.Command{
		Use:   "apply [path]",
		Short: "apply a genesis document to the configured data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			engine, err := storage.New(storage.Config{WALPath: cfg.Storage.WALPath, SnapshotPath: cfg.Storage.SnapshotPath, Logger: log})
			if err != nil {
				return err
			}
			defer engine.Close()
			if _, err := merklize.Open(engine); err != nil {
				return err
			}
			schema, err := state.Open(engine)
			if err != nil {
				return err
			}
			doc, err := genesis.Load(args[0])
			if err != nil {
				return err
			}
			if err := genesis.Apply(engine, schema, doc); err != nil {
				return err
			}
			fmt.Println("genesis applied")
			return nil
		},
	}

	cmd.AddCommand(verify, apply)
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "manage node key material"}
	generate := &cobra.Command{
		Use:   "generate [path]",
		Short: "generate a fresh 32-byte Ed25519 seed and write it to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := localnet.GenerateEd25519Seed()
			if err != nil {
				return err
			}
			return os.WriteFile(args[0], seed[:], 0o600)
		},
	}
	cmd.AddCommand(generate)
	return cmd
}
