/*
Package transact assembles the two spends of the pool, the transact
(transfer, deposit or withdrawal of one asset) and the two party swap, into
proved bundles ready for submission.

An Assembler reads the mirror tree of its pool to build inclusion paths and
never mutates it: output commitments are appended to the ledger queue and
inserted by the batch tree updater like any deposit.  Nullifiers of the
bundles that have been assembled but not yet confirmed are held as pending,
so that two bundles in flight can not spend the same note.
*/
package transact

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"shielded-pool/accumulator"
	"shielded-pool/common"
	"shielded-pool/coordinator/prover"
	"shielded-pool/depositqueue"
	"shielded-pool/log"
	"shielded-pool/note"
)

// Verifier checks a proof against its public signals.  It returns false
// without error when it has no verifying key for the circuit.
type Verifier interface {
	Verify(circuit common.CircuitID, publicSignals []*big.Int, proof *prover.Proof) (bool, error)
}

// EdgeSource returns the roots of the linked pools.  They are appended after
// the local root in the public inputs.
type EdgeSource interface {
	EdgeRoots(ctx context.Context) ([]*big.Int, error)
}

// StaticEdges is an EdgeSource with fixed roots
type StaticEdges []*big.Int

// EdgeRoots implements EdgeSource
func (e StaticEdges) EdgeRoots(ctx context.Context) ([]*big.Int, error) {
	return common.CopyBigInts(e), nil
}

// Config of an Assembler
type Config struct {
	ChainID uint64
	// Tree is the mirror of the pool, read only
	Tree   *accumulator.Accumulator
	Prover prover.Prover
	// Verifier, if set, checks every proof before the bundle is returned
	Verifier Verifier
	// Assets resolves the token of the public asset of a transact
	Assets depositqueue.AssetRegistry
	// Nullifiers holds the confirmed spends
	Nullifiers NullifierSet
	// Ledger, if set, is asked about nullifiers missing from Nullifiers
	Ledger SpentChecker
	Edges  EdgeSource
	// Now returns the current time, time.Now if nil
	Now func() time.Time
}

// Assembler builds transact and swap bundles for one pool
type Assembler struct {
	cfg     Config
	chainID *big.Int
	pending map[string]struct{}
	mu      sync.Mutex
}

// NewAssembler creates an Assembler
func NewAssembler(cfg Config) (*Assembler, error) {
	if cfg.Tree == nil {
		return nil, common.Wrap(fmt.Errorf("transact: Config.Tree is nil"))
	}
	if cfg.Prover == nil {
		return nil, common.Wrap(fmt.Errorf("transact: Config.Prover is nil"))
	}
	if cfg.Nullifiers == nil {
		cfg.Nullifiers = NewMemoryNullifierSet()
	}
	if cfg.Edges == nil {
		cfg.Edges = StaticEdges(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Assembler{
		cfg:     cfg,
		chainID: new(big.Int).SetUint64(cfg.ChainID),
		pending: make(map[string]struct{}),
	}, nil
}

// ChainID returns the chain id bound by the proofs
func (a *Assembler) ChainID() uint64 { return a.cfg.ChainID }

// Tree returns the mirror tree the paths are read from
func (a *Assembler) Tree() *accumulator.Accumulator { return a.cfg.Tree }

// Nullifiers returns the set of confirmed spends
func (a *Assembler) Nullifiers() NullifierSet { return a.cfg.Nullifiers }

// roots returns the local root followed by the edge roots
func (a *Assembler) roots(ctx context.Context) ([]*big.Int, error) {
	edges, err := a.cfg.Edges.EdgeRoots(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return append([]*big.Int{a.cfg.Tree.Root()}, edges...), nil
}

// Locate assigns the tree index of the notes whose commitment has been
// inserted in the mirror.  It returns the number of notes located, notes
// that already have an index are not counted.
func (a *Assembler) Locate(notes ...*note.Note) (int, error) {
	located := 0
	for _, n := range notes {
		if _, ok := n.Index(); ok {
			continue
		}
		commitment, err := n.Commitment()
		if err != nil {
			return located, common.Wrap(err)
		}
		index := a.cfg.Tree.IndexOf(commitment)
		if index < 0 {
			continue
		}
		if err := n.SetIndex(uint64(index)); err != nil {
			return located, common.Wrap(err)
		}
		located++
	}
	return located, nil
}

// spendPath returns the inclusion path of an owned note, checking that its
// commitment is the leaf at its index
func (a *Assembler) spendPath(n *note.Note) (*accumulator.Path, error) {
	index, ok := n.Index()
	if !ok {
		return nil, common.Wrap(common.ErrNoTreeIndex)
	}
	if n.Key == nil {
		return nil, common.Wrap(fmt.Errorf("note at index %d has no spending key", index))
	}
	path, err := a.cfg.Tree.Path(int(index))
	if err != nil {
		return nil, common.Wrap(err)
	}
	commitment, err := n.Commitment()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if path.Element.Cmp(commitment) != 0 {
		return nil, common.Wrap(fmt.Errorf("leaf %d is not the commitment of the note", index))
	}
	return path, nil
}

// zeroPath is the inclusion path of a dummy input, never checked by the
// circuit
func (a *Assembler) zeroPath() []*big.Int {
	elements := make([]*big.Int, a.cfg.Tree.Height())
	for i := range elements {
		elements[i] = big.NewInt(0)
	}
	return elements
}

// checkUnspent returns ErrDoubleSpend if any nullifier is repeated, already
// confirmed or held by a bundle in flight.  It must be called with a.mu held.
func (a *Assembler) checkUnspent(ctx context.Context, nullifiers []*big.Int) error {
	seen := make(map[string]struct{}, len(nullifiers))
	for _, nullifier := range nullifiers {
		key := nullifier.String()
		if _, ok := seen[key]; ok {
			return common.Wrapf(common.ErrDoubleSpend, "nullifier %v repeated", nullifier)
		}
		seen[key] = struct{}{}
		if _, ok := a.pending[key]; ok {
			return common.Wrapf(common.ErrDoubleSpend, "nullifier %v pending", nullifier)
		}
		spent, err := a.cfg.Nullifiers.IsSpent(nullifier)
		if err != nil {
			return common.Wrap(err)
		}
		if !spent && a.cfg.Ledger != nil {
			if spent, err = a.cfg.Ledger.IsSpent(ctx, nullifier); err != nil {
				return common.Wrap(err)
			}
		}
		if spent {
			return common.Wrapf(common.ErrDoubleSpend, "nullifier %v", nullifier)
		}
	}
	return nil
}

func (a *Assembler) hold(nullifiers []*big.Int) {
	for _, nullifier := range nullifiers {
		a.pending[nullifier.String()] = struct{}{}
	}
}

func (a *Assembler) release(nullifiers []*big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, nullifier := range nullifiers {
		delete(a.pending, nullifier.String())
	}
}

// confirm releases the nullifiers and records them as spent.  A nullifier
// already in the set, recorded by the synchronizer from the same spend, is
// not an error.  The first failure is returned after every nullifier has
// been tried.
func (a *Assembler) confirm(nullifiers []*big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, nullifier := range nullifiers {
		delete(a.pending, nullifier.String())
	}
	var firstErr error
	for _, nullifier := range nullifiers {
		err := a.cfg.Nullifiers.AddNullifier(nullifier)
		if err == nil || common.Unwrap(err) == common.ErrDoubleSpend {
			continue
		}
		log.Errorw("Assembler: AddNullifier", "nullifier", nullifier, "err", err)
		if firstErr == nil {
			firstErr = common.Wrap(err)
		}
	}
	return firstErr
}

// prove obtains the proof of inputs, checks that the prover bound the same
// public signals and optionally verifies it
func (a *Assembler) prove(ctx context.Context, inputs common.CircuitInputs) (*prover.Proof,
	[]*big.Int, error) {
	proof, signals, err := a.cfg.Prover.Prove(ctx, inputs)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	expected := inputs.PublicSignals()
	if len(signals) != len(expected) {
		return nil, nil, common.Wrapf(common.ErrDigestMismatch, "%v: %d public signals, expected %d",
			inputs.Circuit(), len(signals), len(expected))
	}
	for i := range expected {
		if signals[i] == nil || signals[i].Cmp(expected[i]) != 0 {
			return nil, nil, common.Wrapf(common.ErrDigestMismatch, "%v: public signal %d",
				inputs.Circuit(), i)
		}
	}
	if a.cfg.Verifier != nil {
		if _, err := a.cfg.Verifier.Verify(inputs.Circuit(), signals, proof); err != nil {
			log.Errorw("Assembler: local proof verification", "circuit", inputs.Circuit(),
				"err", err)
			return nil, nil, common.Wrap(err)
		}
	}
	return proof, signals, nil
}
