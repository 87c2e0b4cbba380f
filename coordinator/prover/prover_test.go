package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"shielded-pool/common"
	"shielded-pool/log"

	bn256 "github.com/ethereum/go-ethereum/crypto/bn256/cloudflare"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func batchInputs() *common.BatchUpdateInputs {
	return &common.BatchUpdateInputs{
		BatchSize:    common.BatchSize4,
		ArgsHash:     big.NewInt(1234),
		OldRoot:      big.NewInt(1),
		NewRoot:      big.NewInt(2),
		PathIndices:  3,
		PathElements: []*big.Int{big.NewInt(5), big.NewInt(6)},
		Leaves:       []*big.Int{big.NewInt(7), big.NewInt(8), big.NewInt(9), big.NewInt(10)},
	}
}

const proofJSON = `{"pi_a":["1","2","1"],"pi_b":[["3","4"],["5","6"],["1","0"]],` +
	`"pi_c":["7","8","1"],"protocol":"groth16"}`

func TestProofJSON(t *testing.T) {
	var proof Proof
	require.NoError(t, json.Unmarshal([]byte(proofJSON), &proof))
	assert.Equal(t, big.NewInt(2), proof.PiA[1])
	assert.Equal(t, big.NewInt(4), proof.PiB[0][1])
	assert.Equal(t, "groth16", proof.Protocol)

	data, err := json.Marshal(proof)
	require.NoError(t, err)
	assert.JSONEq(t, proofJSON, string(data))

	a, b, c := proof.Calldata()
	assert.Equal(t, big.NewInt(1), a[0])
	assert.Equal(t, [2]*big.Int{big.NewInt(4), big.NewInt(3)}, b[0])
	assert.Equal(t, big.NewInt(8), c[1])
	assert.Equal(t, 256, len(proof.Bytes()))

	bad := `{"pi_a":["1","2","2"],"pi_b":[["3","4"],["5","6"],["1","0"]],"pi_c":["7","8","1"]}`
	assert.Error(t, json.Unmarshal([]byte(bad), &proof))

	var pubInputs PublicInputs
	require.NoError(t, json.Unmarshal([]byte(`["1","123456789012345678901234567890"]`), &pubInputs))
	assert.Equal(t, 2, len(pubInputs))
	assert.Equal(t, "123456789012345678901234567890", pubInputs[1].String())
}

func TestProofServerClient(t *testing.T) {
	var polls int64
	var received map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := Status{Status: StatusCodeBusy}
		if atomic.AddInt64(&polls, 1) > 2 {
			status = Status{Status: StatusCodeSuccess, Proof: proofJSON, PubData: `["1234"]`}
		}
		require.NoError(t, json.NewEncoder(w).Encode(status))
	})
	mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		require.NoError(t, json.NewEncoder(w).Encode(Status{Status: StatusCodeBusy}))
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		require.NoError(t, json.NewEncoder(w).Encode(ErrorServer{Status: StatusCodeReady,
			Message: "nothing to cancel"}))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewProofServerClient(server.URL, 10*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, client.CalculateProof(ctx, batchInputs()))
	assert.Equal(t, "1234", received["argsHash"])
	assert.Equal(t, "3", received["pathIndices"])

	proof, pubInputs, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), proof.PiC[0])
	assert.Equal(t, []*big.Int{big.NewInt(1234)}, pubInputs)
	assert.True(t, atomic.LoadInt64(&polls) >= 3)

	err = client.Cancel(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to cancel")
}

func TestProofServerClientNotInitialized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Status{Status: StatusCodeUninitialized}))
	}))
	defer server.Close()
	client := NewProofServerClient(server.URL, 10*time.Millisecond)
	assert.Error(t, client.WaitReady(context.Background()))
}

func TestProversPool(t *testing.T) {
	ctx := context.Background()
	pool := NewProversPool(2)
	pool.Add(ctx, NewMockClient(time.Millisecond))
	pool.Add(ctx, NewMockClient(time.Millisecond))

	inputs := batchInputs()
	proof, pubInputs, err := pool.Prove(ctx, inputs)
	require.NoError(t, err)
	assert.NotNil(t, proof)
	assert.Equal(t, inputs.PublicSignals(), pubInputs)

	// both clients are returned to the pool
	c1, err := pool.Get(ctx)
	require.NoError(t, err)
	c2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, c1)
	assert.NotNil(t, c2)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pool.Get(cancelled)
	assert.True(t, common.IsErrDone(err))
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	pool := NewProversPool(1)
	pool.Add(ctx, NewMockClient(0))
	registry := NewRegistry()
	registry.Register(common.CircuitBatch4, pool, nil)

	_, _, err := registry.Prove(ctx, batchInputs())
	require.NoError(t, err)

	other := batchInputs()
	other.BatchSize = common.BatchSize8
	_, _, err = registry.Prove(ctx, other)
	assert.Error(t, err)

	ok, err := registry.Verify(common.CircuitBatch4, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

// testSetup builds a verifying key and a proof that satisfies the groth16
// equation for the given public signals, choosing the discrete logs of
// every point
type testSetup struct {
	alpha, beta, gamma, delta *big.Int
	ic                        []*big.Int
}

func newTestSetup(nPublic int) *testSetup {
	s := &testSetup{
		alpha: big.NewInt(11), beta: big.NewInt(13), gamma: big.NewInt(17), delta: big.NewInt(19),
	}
	for i := 0; i <= nPublic; i++ {
		s.ic = append(s.ic, big.NewInt(int64(23+i)))
	}
	return s
}

func g1Coords(k *big.Int) []string {
	p := new(bn256.G1).ScalarBaseMult(k).Marshal()
	return []string{new(big.Int).SetBytes(p[:32]).String(), new(big.Int).SetBytes(p[32:]).String(), "1"}
}

func g2Coords(k *big.Int) [][]string {
	p := new(bn256.G2).ScalarBaseMult(k).Marshal()
	coord := func(i int) string { return new(big.Int).SetBytes(p[32*i : 32*(i+1)]).String() }
	// marshal order is x.imag, x.real, y.imag, y.real
	return [][]string{{coord(1), coord(0)}, {coord(3), coord(2)}, {"1", "0"}}
}

func (s *testSetup) vkJSON() []byte {
	ic := make([][]string, len(s.ic))
	for i := range s.ic {
		ic[i] = g1Coords(s.ic[i])
	}
	data, err := json.Marshal(map[string]interface{}{
		"protocol":   "groth16",
		"nPublic":    len(s.ic) - 1,
		"vk_alpha_1": g1Coords(s.alpha),
		"vk_beta_2":  g2Coords(s.beta),
		"vk_gamma_2": g2Coords(s.gamma),
		"vk_delta_2": g2Coords(s.delta),
		"IC":         ic,
	})
	if err != nil {
		panic(err)
	}
	return data
}

// proof returns A = r·G1, B = sB·G2, C = c·G1 with
// r·sB = alpha·beta + l·gamma + c·delta where l = ic0 + Σ s_i·ic_{i+1}
func (s *testSetup) proof(publicSignals []*big.Int) []byte {
	order := bn256.Order
	l := new(big.Int).Set(s.ic[0])
	for i, sig := range publicSignals {
		l.Add(l, new(big.Int).Mul(sig, s.ic[i+1]))
	}
	c := big.NewInt(29)
	rhs := new(big.Int).Mul(s.alpha, s.beta)
	rhs.Add(rhs, new(big.Int).Mul(l, s.gamma))
	rhs.Add(rhs, new(big.Int).Mul(c, s.delta))
	rhs.Mod(rhs, order)
	r := big.NewInt(31)
	sB := new(big.Int).Mul(rhs, new(big.Int).ModInverse(r, order))
	sB.Mod(sB, order)
	data, err := json.Marshal(map[string]interface{}{
		"pi_a":     g1Coords(r),
		"pi_b":     g2Coords(sB),
		"pi_c":     g1Coords(c),
		"protocol": "groth16",
	})
	if err != nil {
		panic(err)
	}
	return data
}

func TestVerify(t *testing.T) {
	setup := newTestSetup(2)
	vk, err := ParseVerifyingKey(setup.vkJSON())
	require.NoError(t, err)
	require.Equal(t, 3, len(vk.IC))

	signals := []*big.Int{big.NewInt(1234), big.NewInt(5678)}
	var proof Proof
	require.NoError(t, json.Unmarshal(setup.proof(signals), &proof))
	require.NoError(t, vk.Verify(signals, &proof))

	// other public signals
	err = vk.Verify([]*big.Int{big.NewInt(1234), big.NewInt(5679)}, &proof)
	assert.Equal(t, common.ErrProofVerificationFailed, common.Unwrap(err))
	// wrong number of public signals
	err = vk.Verify(signals[:1], &proof)
	assert.Equal(t, common.ErrProofVerificationFailed, common.Unwrap(err))
	// signal out of the scalar field
	err = vk.Verify([]*big.Int{big.NewInt(1234), bn256.Order}, &proof)
	assert.Equal(t, common.ErrProofVerificationFailed, common.Unwrap(err))
	// point not on the curve
	bad := proof
	bad.PiA[1] = new(big.Int).Add(proof.PiA[1], big.NewInt(1))
	err = vk.Verify(signals, &bad)
	assert.Equal(t, common.ErrProofVerificationFailed, common.Unwrap(err))

	registry := NewRegistry()
	registry.Register(common.CircuitSwap, NewProversPool(1), vk)
	ok, err := registry.Verify(common.CircuitSwap, signals, &proof)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParseVerifyingKeyErrors(t *testing.T) {
	_, err := ParseVerifyingKey([]byte(`{"protocol":"plonk"}`))
	assert.Error(t, err)
	setup := newTestSetup(1)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(setup.vkJSON(), &m))
	m["nPublic"] = 3
	data, err := json.Marshal(m)
	require.NoError(t, err)
	_, err = ParseVerifyingKey(data)
	assert.Error(t, err)
	_, err = LoadVerifyingKey(fmt.Sprintf("/nonexistent/%d.json", time.Now().UnixNano()))
	assert.Error(t, err)
}
