package prover

import (
	"context"
	"math/big"

	"shielded-pool/common"
	"shielded-pool/log"
)

// Prover produces a proof for circuit inputs.  Proving is slow and blocks
// until the proof is ready or ctx is done.
type Prover interface {
	Prove(ctx context.Context, inputs common.CircuitInputs) (*Proof, []*big.Int, error)
}

// ProversPool contains the multiple prover clients of a circuit
type ProversPool struct {
	pool chan Client
}

// NewProversPool creates a new pool of provers.
func NewProversPool(maxServerProofs int) *ProversPool {
	return &ProversPool{
		pool: make(chan Client, maxServerProofs),
	}
}

// Add a prover to the pool
func (p *ProversPool) Add(ctx context.Context, serverProof Client) {
	select {
	case p.pool <- serverProof:
	case <-ctx.Done():
	}
}

// Get returns the next available prover
func (p *ProversPool) Get(ctx context.Context) (Client, error) {
	select {
	case <-ctx.Done():
		log.Info("ServerProofPool.Get done")
		return nil, common.Wrap(common.ErrDone)
	case serverProof := <-p.pool:
		return serverProof, nil
	}
}

// Prove borrows a client of the pool, sends it the inputs and waits for the
// proof.  The client is cancelled if ctx is done while proving.
func (p *ProversPool) Prove(ctx context.Context, inputs common.CircuitInputs) (*Proof, []*big.Int, error) {
	client, err := p.Get(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	defer p.Add(context.Background(), client)
	if err := client.WaitReady(ctx); err != nil {
		return nil, nil, common.Wrap(err)
	}
	if err := client.CalculateProof(ctx, inputs); err != nil {
		return nil, nil, common.Wrap(err)
	}
	proof, pubInputs, err := client.GetProof(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if cancelErr := client.Cancel(context.Background()); cancelErr != nil {
				log.Errorw("ProversPool: cancel proof", "circuit", inputs.Circuit(),
					"err", cancelErr)
			}
		}
		return nil, nil, common.Wrap(err)
	}
	return proof, pubInputs, nil
}
