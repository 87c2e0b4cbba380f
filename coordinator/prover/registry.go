package prover

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"shielded-pool/common"
)

// Registry selects the prover and verifying key of each circuit
type Registry struct {
	provers map[common.CircuitID]Prover
	vks     map[common.CircuitID]*VerifyingKey
	rw      sync.RWMutex
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		provers: make(map[common.CircuitID]Prover),
		vks:     make(map[common.CircuitID]*VerifyingKey),
	}
}

// Register sets the prover of a circuit and, optionally, its verifying key
func (r *Registry) Register(circuit common.CircuitID, prover Prover, vk *VerifyingKey) {
	r.rw.Lock()
	defer r.rw.Unlock()
	r.provers[circuit] = prover
	if vk != nil {
		r.vks[circuit] = vk
	} else {
		delete(r.vks, circuit)
	}
}

// Prove implements Prover, dispatching on the circuit of the inputs
func (r *Registry) Prove(ctx context.Context, inputs common.CircuitInputs) (*Proof, []*big.Int, error) {
	r.rw.RLock()
	prover, ok := r.provers[inputs.Circuit()]
	r.rw.RUnlock()
	if !ok {
		return nil, nil, common.Wrap(fmt.Errorf("no prover registered for circuit %v",
			inputs.Circuit()))
	}
	return prover.Prove(ctx, inputs)
}

// VerifyingKey returns the verifying key of a circuit, or nil
func (r *Registry) VerifyingKey(circuit common.CircuitID) *VerifyingKey {
	r.rw.RLock()
	defer r.rw.RUnlock()
	return r.vks[circuit]
}

// Verify checks a proof of circuit.  It returns false without error if no
// verifying key is registered, and ErrProofVerificationFailed if the proof
// does not verify.
func (r *Registry) Verify(circuit common.CircuitID, publicSignals []*big.Int,
	proof *Proof) (bool, error) {
	vk := r.VerifyingKey(circuit)
	if vk == nil {
		return false, nil
	}
	if err := vk.Verify(publicSignals, proof); err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}
