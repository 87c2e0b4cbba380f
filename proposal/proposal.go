/*
Package proposal builds root update proposals from the confirmed insertions
of a pool and publishes them on a message bus, so that the remote copies of
the pool tree can be updated to the same roots.

A proposal carries the root before and after an insertion, both taken from
the deposit history of the synchronized tree, together with the inserted
leaves.  A proposal is only built when the history already records the
root the ledger logged for the insertion.
*/
package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"shielded-pool/common"
	"shielded-pool/log"
	"shielded-pool/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DefaultSubject is the subject prefix used when none is configured
const DefaultSubject = "pool.roots"

// RootUpdate is a root update proposal
type RootUpdate struct {
	ID         string            `json:"id"`
	ChainID    int64             `json:"chainId"`
	Pool       ethCommon.Address `json:"pool"`
	BlockNum   int64             `json:"blockNumber"`
	TxHash     ethCommon.Hash    `json:"transactionHash"`
	StartIndex uint64            `json:"startIndex"`
	OldRoot    string            `json:"oldRoot"`
	NewRoot    string            `json:"newRoot"`
	Leaves     []string          `json:"leaves"`
	Timestamp  time.Time         `json:"timestamp"`
}

// History gives the deposit history of a pool: the root of the tree right
// after the batch that inserted the leaf at every index
type History interface {
	DepositHistory() (map[uint64]*big.Int, error)
}

// Publisher sends a message to a subject of the bus
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config of a Proposer
type Config struct {
	ChainID int64
	// Subject is the subject prefix, DefaultSubject if empty
	Subject string
	// EmptyRoot is the root of the empty pool tree
	EmptyRoot *big.Int
}

// Proposer builds and publishes the root update proposals of a pool
type Proposer struct {
	cfg       Config
	pool      ethCommon.Address
	history   History
	publisher Publisher
}

// NewProposer creates a Proposer
func NewProposer(cfg Config, pool ethCommon.Address, history History,
	publisher Publisher) (*Proposer, error) {
	if cfg.EmptyRoot == nil {
		return nil, common.Wrap(fmt.Errorf("proposer without empty root"))
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	return &Proposer{
		cfg:       cfg,
		pool:      pool,
		history:   history,
		publisher: publisher,
	}, nil
}

// Subject returns the subject the proposals of the pool are published to
func (p *Proposer) Subject() string {
	return fmt.Sprintf("%s.%d.%s", p.cfg.Subject, p.cfg.ChainID, p.pool.Hex())
}

func encodeField(x *big.Int) string {
	b := common.FieldToBytes32BE(x)
	return ethCommon.BytesToHash(b[:]).Hex()
}

// Build returns the proposals of the insertions of blockData
func (p *Proposer) Build(blockData *common.BlockData) ([]*RootUpdate, error) {
	if len(blockData.Insertions) == 0 {
		return nil, nil
	}
	history, err := p.history.DepositHistory()
	if err != nil {
		return nil, common.Wrap(err)
	}
	updates := make([]*RootUpdate, 0, len(blockData.Insertions))
	for _, insertion := range blockData.Insertions {
		if len(insertion.Leaves) == 0 {
			continue
		}
		oldRoot := p.cfg.EmptyRoot
		if insertion.StartIndex > 0 {
			var ok bool
			if oldRoot, ok = history[insertion.StartIndex-1]; !ok {
				return nil, common.Wrapf(common.ErrStaleRoot,
					"no history before index %d", insertion.StartIndex)
			}
		}
		last := insertion.StartIndex + uint64(len(insertion.Leaves)) - 1
		newRoot, ok := history[last]
		if !ok || newRoot.Cmp(insertion.NewRoot) != 0 {
			return nil, common.Wrapf(common.ErrStaleRoot,
				"history at %d is %v, insertion root %v", last, newRoot, insertion.NewRoot)
		}
		leaves := make([]string, len(insertion.Leaves))
		for i, leaf := range insertion.Leaves {
			leaves[i] = encodeField(leaf)
		}
		updates = append(updates, &RootUpdate{
			ID:         uuid.New().String(),
			ChainID:    p.cfg.ChainID,
			Pool:       p.pool,
			BlockNum:   blockData.Block.Num,
			TxHash:     insertion.TxHash,
			StartIndex: insertion.StartIndex,
			OldRoot:    encodeField(oldRoot),
			NewRoot:    encodeField(newRoot),
			Leaves:     leaves,
			Timestamp:  blockData.Block.Timestamp,
		})
	}
	return updates, nil
}

// Propose builds the proposals of the insertions of blockData and
// publishes them in order
func (p *Proposer) Propose(ctx context.Context, blockData *common.BlockData) ([]*RootUpdate, error) {
	updates, err := p.Build(blockData)
	if err != nil {
		return nil, common.Wrap(err)
	}
	subject := p.Subject()
	for _, update := range updates {
		if ctx.Err() != nil {
			return nil, common.Wrap(common.ErrDone)
		}
		data, err := json.Marshal(update)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if err := p.publisher.Publish(subject, data); err != nil {
			return nil, common.Wrapf(err, "publish proposal %v", update.ID)
		}
		metric.ProposalsPublished.WithLabelValues(p.pool.Hex()).Inc()
		log.Infow("Proposal published", "pool", p.pool.Hex(), "id", update.ID,
			"start", update.StartIndex, "newRoot", update.NewRoot)
	}
	return updates, nil
}
