package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"shielded-pool/common"
	"shielded-pool/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

var pool = ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa")

type mapHistory map[uint64]*big.Int

func (h mapHistory) DepositHistory() (map[uint64]*big.Int, error) {
	return h, nil
}

type message struct {
	subject string
	data    []byte
}

type testPublisher struct {
	err      error
	messages []message
}

func (p *testPublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message{subject, data})
	return nil
}

func bigInts(vs ...int64) []*big.Int {
	out := make([]*big.Int, len(vs))
	for i, v := range vs {
		out[i] = big.NewInt(v)
	}
	return out
}

func testBlockData() *common.BlockData {
	return &common.BlockData{
		Block: common.Block{Num: 7, Timestamp: time.Unix(1700000000, 0).UTC()},
		Insertions: []common.Insertion{
			{StartIndex: 0, Leaves: bigInts(1, 2, 3, 4), NewRoot: big.NewInt(104),
				TxHash: ethCommon.HexToHash("0x01")},
			{StartIndex: 4, Leaves: bigInts(5, 6, 7, 8), NewRoot: big.NewInt(108),
				TxHash: ethCommon.HexToHash("0x02")},
		},
	}
}

func testHistory() mapHistory {
	h := mapHistory{}
	for i := uint64(0); i < 4; i++ {
		h[i] = big.NewInt(104)
	}
	for i := uint64(4); i < 8; i++ {
		h[i] = big.NewInt(108)
	}
	return h
}

func TestBuild(t *testing.T) {
	p, err := NewProposer(Config{ChainID: 5, EmptyRoot: big.NewInt(100)}, pool, testHistory(),
		&testPublisher{})
	require.NoError(t, err)
	updates, err := p.Build(testBlockData())
	require.NoError(t, err)
	require.Equal(t, 2, len(updates))

	assert.Equal(t, encodeField(big.NewInt(100)), updates[0].OldRoot)
	assert.Equal(t, encodeField(big.NewInt(104)), updates[0].NewRoot)
	assert.Equal(t, encodeField(big.NewInt(104)), updates[1].OldRoot)
	assert.Equal(t, encodeField(big.NewInt(108)), updates[1].NewRoot)
	assert.Equal(t, uint64(4), updates[1].StartIndex)
	assert.Equal(t, 4, len(updates[1].Leaves))
	assert.Equal(t, int64(7), updates[1].BlockNum)
	assert.Equal(t, ethCommon.HexToHash("0x02"), updates[1].TxHash)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000005",
		updates[1].Leaves[0])
	_, err = uuid.Parse(updates[0].ID)
	assert.NoError(t, err)
	assert.NotEqual(t, updates[0].ID, updates[1].ID)
}

func TestBuildUnsyncedHistory(t *testing.T) {
	history := testHistory()
	delete(history, 3)
	p, err := NewProposer(Config{EmptyRoot: big.NewInt(100)}, pool, history, &testPublisher{})
	require.NoError(t, err)
	_, err = p.Build(testBlockData())
	assert.Equal(t, common.ErrStaleRoot, common.Unwrap(err))

	history = testHistory()
	history[7] = big.NewInt(999)
	p, err = NewProposer(Config{EmptyRoot: big.NewInt(100)}, pool, history, &testPublisher{})
	require.NoError(t, err)
	_, err = p.Build(testBlockData())
	assert.Equal(t, common.ErrStaleRoot, common.Unwrap(err))
}

func TestPropose(t *testing.T) {
	ctx := context.Background()
	publisher := &testPublisher{}
	p, err := NewProposer(Config{ChainID: 5, EmptyRoot: big.NewInt(100)}, pool, testHistory(),
		publisher)
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject+".5."+pool.Hex(), p.Subject())

	updates, err := p.Propose(ctx, testBlockData())
	require.NoError(t, err)
	require.Equal(t, 2, len(publisher.messages))
	for i, msg := range publisher.messages {
		assert.Equal(t, p.Subject(), msg.subject)
		var update RootUpdate
		require.NoError(t, json.Unmarshal(msg.data, &update))
		assert.Equal(t, *updates[i], update)
	}

	// A block without insertions has no proposals
	updates, err = p.Propose(ctx, &common.BlockData{Block: common.Block{Num: 8}})
	require.NoError(t, err)
	assert.Equal(t, 0, len(updates))
	assert.Equal(t, 2, len(publisher.messages))

	publisher.err = fmt.Errorf("bus unavailable")
	_, err = p.Propose(ctx, testBlockData())
	assert.Error(t, err)
}

func TestNewProposerWithoutEmptyRoot(t *testing.T) {
	_, err := NewProposer(Config{}, pool, testHistory(), &testPublisher{})
	assert.Error(t, err)
}
