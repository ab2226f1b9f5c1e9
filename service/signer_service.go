// Package service wires the signing pipeline for each configured
// (chain, network) pair and manages its lifecycle.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencustody/signer-node/api"
	"github.com/opencustody/signer-node/config"
	"github.com/opencustody/signer-node/dlq"
	"github.com/opencustody/signer-node/gasprice"
	"github.com/opencustody/signer-node/kv"
	"github.com/opencustody/signer-node/log"
	"github.com/opencustody/signer-node/nonce"
	"github.com/opencustody/signer-node/planner"
	"github.com/opencustody/signer-node/queue"
	"github.com/opencustody/signer-node/recovery"
	"github.com/opencustody/signer-node/secrets"
	"github.com/opencustody/signer-node/signer"
	"github.com/opencustody/signer-node/storage"
	"github.com/opencustody/signer-node/tokens"
	"github.com/opencustody/signer-node/web3/rpc"
	"github.com/opencustody/signer-node/worker"
)

// Options wires one (chain, network) signing pipeline. Storage, the kv store
// and the queues are shared resources built by the caller.
type Options struct {
	Chain      config.ChainConfig
	RPCs       []string
	Ingress    queue.Queue
	Egress     queue.Queue
	DeadLetter queue.Queue
	Store      storage.Store
	KV         kv.Store
	Keys       secrets.Source

	// Datadir roots the per-chain gas hint database; empty keeps hints in
	// memory only.
	Datadir string

	Worker     worker.Config
	Planner    planner.Config
	DLQPolicy  dlq.Policy
	MaxRetries int

	GasPriceTTL      time.Duration
	NonceTTL         time.Duration
	RecoveryMaxDrain int
}

// SignerService runs the full pipeline for one (chain, network): queue
// recovery at startup, then the signing worker loop until Stop.
type SignerService struct {
	opts  Options
	chain string

	client *rpc.Client
	hints  *planner.GasHints
	signer *signer.Signer
	worker *worker.Worker

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSigner creates the service; nothing connects until Start.
func NewSigner(opts Options) *SignerService {
	return &SignerService{
		opts:  opts,
		chain: opts.Chain.Chain + ":" + opts.Chain.Network,
	}
}

// Start dials the chain, builds the signer and its collaborators, runs the
// startup queue recovery pass and launches the worker loop.
func (s *SignerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("service already running")
	}
	chain := s.opts.Chain.Context()

	client, err := rpc.Dial(ctx, chain.ChainID, s.opts.RPCs)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.chain, err)
	}

	hintDir := ""
	if s.opts.Datadir != "" {
		hintDir = filepath.Join(s.opts.Datadir, "gashints", chain.Chain, chain.Network)
	}
	hints, err := planner.NewGasHints(hintDir)
	if err != nil {
		client.Close()
		return fmt.Errorf("open gas hints for %s: %w", s.chain, err)
	}

	nonces := nonce.New(s.opts.KV, s.opts.NonceTTL)
	fees := gasprice.New(s.opts.GasPriceTTL)
	plan := planner.New(s.opts.Planner, chain, client, hints)

	sgn, err := signer.New(ctx, s.opts.Keys, chain, client, nonces, fees, plan, tokens.NewCatalog(client))
	if err != nil {
		hints.Close() //nolint:errcheck
		client.Close()
		return fmt.Errorf("initialize signer for %s: %w", s.chain, err)
	}

	rec := recovery.New(s.opts.Store, s.opts.Ingress, s.opts.Egress, nonces,
		client, chain, sgn.From(), s.opts.RecoveryMaxDrain)
	if err := rec.Run(ctx); err != nil {
		sgn.Close()
		hints.Close() //nolint:errcheck
		client.Close()
		return fmt.Errorf("queue recovery for %s: %w", s.chain, err)
	}

	failures := dlq.New(s.opts.KV, s.opts.DeadLetter, s.opts.DLQPolicy, s.opts.MaxRetries)
	w := worker.New(s.opts.Worker, chain, sgn, s.opts.Store,
		s.opts.Ingress, s.opts.Egress, failures, fees, client)

	runCtx, cancel := context.WithCancel(ctx)
	s.client = client
	s.hints = hints
	s.signer = sgn
	s.worker = w
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		w.Run(runCtx)
	}()
	log.Infow("signer service started",
		"chain", chain.Chain, "network", chain.Network,
		"signer", sgn.From().Hex(), "endpoints", len(s.opts.RPCs))
	return nil
}

// drainTimeout bounds how long Stop waits for the in-flight iteration.
const drainTimeout = 30 * time.Second

// waitDone reports whether ch closed within timeout.
func waitDone(ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop halts the worker loop, waits up to drainTimeout for the in-flight
// iteration to finish and releases the chain resources.
func (s *SignerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	if !waitDone(s.done, drainTimeout) {
		log.Warnw("worker iteration still running after drain window", "chain", s.chain)
	}
	s.signer.Close()
	if err := s.hints.Close(); err != nil {
		log.Warnw("gas hint db close failed", "chain", s.chain, "error", err.Error())
	}
	s.client.Close()
	s.cancel = nil
	log.Infow("signer service stopped", "chain", s.chain)
}

// Status reports the service's entry for the status API.
func (s *SignerService) Status() api.WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := api.WorkerStatus{
		Chain:   s.opts.Chain.Chain,
		Network: s.opts.Chain.Network,
	}
	if s.signer != nil {
		st.Signer = s.signer.From().Hex()
	}
	if s.worker != nil {
		st.Stats = s.worker.Stats()
	}
	return st
}
