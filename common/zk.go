// Package common zk.go contains the strongly typed inputs of every circuit
// used by the pool.  Each struct knows its circuit id, the ordered list of
// public signals the verifier checks, and its JSON encoding with the signal
// names expected by the proof server.
package common

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// CircuitID identifies a circuit and therefore its proving and verifying
// key pair
type CircuitID string

const (
	// CircuitBatch4 is the batch update circuit for 4 leaves
	CircuitBatch4 CircuitID = "batch-4"
	// CircuitBatch8 is the batch update circuit for 8 leaves
	CircuitBatch8 CircuitID = "batch-8"
	// CircuitBatch16 is the batch update circuit for 16 leaves
	CircuitBatch16 CircuitID = "batch-16"
	// CircuitBatch32 is the batch update circuit for 32 leaves
	CircuitBatch32 CircuitID = "batch-32"
	// CircuitTransact2 is the transact circuit with 2 inputs and 2 outputs
	CircuitTransact2 CircuitID = "transact-2"
	// CircuitTransact16 is the transact circuit with 16 inputs and 2
	// outputs
	CircuitTransact16 CircuitID = "transact-16"
	// CircuitSwap is the two party swap circuit
	CircuitSwap CircuitID = "swap"
)

// CircuitIDs lists every known circuit
var CircuitIDs = []CircuitID{CircuitBatch4, CircuitBatch8, CircuitBatch16, CircuitBatch32,
	CircuitTransact2, CircuitTransact16, CircuitSwap}

// ParseCircuitID validates a circuit id read from the configuration
func ParseCircuitID(s string) (CircuitID, error) {
	for _, id := range CircuitIDs {
		if string(id) == s {
			return id, nil
		}
	}
	return "", Wrap(fmt.Errorf("unknown circuit %q", s))
}

// CircuitInputs is implemented by the inputs of every circuit variant
type CircuitInputs interface {
	json.Marshaler
	// Circuit returns the circuit these inputs are meant for
	Circuit() CircuitID
	// PublicSignals returns the public signals in the order the verifier
	// expects them
	PublicSignals() []*big.Int
}

func bigStr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigStrs(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i := range vs {
		out[i] = bigStr(vs[i])
	}
	return out
}

func bigStrs2(vs [][]*big.Int) [][]string {
	out := make([][]string, len(vs))
	for i := range vs {
		out[i] = bigStrs(vs[i])
	}
	return out
}

// BatchUpdateInputs are the inputs of the batch update circuit.  Only
// ArgsHash is public, every other value is bound to it.
type BatchUpdateInputs struct {
	BatchSize    BatchSize
	ArgsHash     *big.Int
	OldRoot      *big.Int
	NewRoot      *big.Int
	PathIndices  uint32
	PathElements []*big.Int
	Leaves       []*big.Int
}

// Circuit implements CircuitInputs
func (in *BatchUpdateInputs) Circuit() CircuitID { return in.BatchSize.Circuit() }

// PublicSignals implements CircuitInputs
func (in *BatchUpdateInputs) PublicSignals() []*big.Int {
	return []*big.Int{in.ArgsHash}
}

// MarshalJSON implements json.Marshaler
func (in *BatchUpdateInputs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"argsHash":     bigStr(in.ArgsHash),
		"oldRoot":      bigStr(in.OldRoot),
		"newRoot":      bigStr(in.NewRoot),
		"pathIndices":  fmt.Sprintf("%d", in.PathIndices),
		"pathElements": bigStrs(in.PathElements),
		"leaves":       bigStrs(in.Leaves),
	})
}

// TransactInputs are the inputs of the transact circuits.  The length of
// InputNullifier selects the circuit (2 or 16 inputs).
type TransactInputs struct {
	// public
	PublicAmount     *big.Int
	ExtDataHash      *big.Int
	PublicAssetID    *big.Int
	PublicTokenID    *big.Int
	InputNullifier   []*big.Int
	OutputCommitment []*big.Int
	ChainID          *big.Int
	Roots            []*big.Int

	// private, inputs
	InAmount       []*big.Int
	InBlinding     []*big.Int
	InAssetID      []*big.Int
	InTokenID      []*big.Int
	InPrivateKey   []*big.Int
	InPathIndices  []*big.Int
	InPathElements [][]*big.Int

	// private, outputs
	OutChainID    []*big.Int
	OutPublicKeyX []*big.Int
	OutPublicKeyY []*big.Int
	OutAmount     []*big.Int
	OutBlinding   []*big.Int
	OutAssetID    []*big.Int
	OutTokenID    []*big.Int
}

// Circuit implements CircuitInputs
func (in *TransactInputs) Circuit() CircuitID {
	if len(in.InputNullifier) > 2 {
		return CircuitTransact16
	}
	return CircuitTransact2
}

// PublicSignals implements CircuitInputs
func (in *TransactInputs) PublicSignals() []*big.Int {
	signals := []*big.Int{in.PublicAmount, in.ExtDataHash, in.PublicAssetID, in.PublicTokenID}
	signals = append(signals, in.InputNullifier...)
	signals = append(signals, in.OutputCommitment...)
	signals = append(signals, in.ChainID)
	return append(signals, in.Roots...)
}

// MarshalJSON implements json.Marshaler
func (in *TransactInputs) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"publicAmount":     bigStr(in.PublicAmount),
		"extDataHash":      bigStr(in.ExtDataHash),
		"publicAssetID":    bigStr(in.PublicAssetID),
		"publicTokenID":    bigStr(in.PublicTokenID),
		"inputNullifier":   bigStrs(in.InputNullifier),
		"outputCommitment": bigStrs(in.OutputCommitment),
		"chainID":          bigStr(in.ChainID),
		"roots":            bigStrs(in.Roots),
		"inAmount":         bigStrs(in.InAmount),
		"inBlinding":       bigStrs(in.InBlinding),
		"inAssetID":        bigStrs(in.InAssetID),
		"inTokenID":        bigStrs(in.InTokenID),
		"inPrivateKey":     bigStrs(in.InPrivateKey),
		"inPathIndices":    bigStrs(in.InPathIndices),
		"inPathElements":   bigStrs2(in.InPathElements),
		"outChainID":       bigStrs(in.OutChainID),
		"outPk_X":          bigStrs(in.OutPublicKeyX),
		"outPk_Y":          bigStrs(in.OutPublicKeyY),
		"outAmount":        bigStrs(in.OutAmount),
		"outBlinding":      bigStrs(in.OutBlinding),
		"outAssetID":       bigStrs(in.OutAssetID),
		"outTokenID":       bigStrs(in.OutTokenID),
	})
}

// SwapLegInputs are the private values of one party of a swap
type SwapLegInputs struct {
	SpendAmount       *big.Int
	SpendBlinding     *big.Int
	SpendAssetID      *big.Int
	SpendTokenID      *big.Int
	SpendPrivateKey   *big.Int
	SpendPathIndices  *big.Int
	SpendPathElements []*big.Int
	ChangeAmount      *big.Int
	ChangeBlinding    *big.Int
	ReceiveAmount     *big.Int
	ReceiveBlinding   *big.Int
	ReceiveAssetID    *big.Int
	ReceiveTokenID    *big.Int
	PublicKeyX        *big.Int
	PublicKeyY        *big.Int
	SignatureR8X      *big.Int
	SignatureR8Y      *big.Int
	SignatureS        *big.Int
}

func (leg *SwapLegInputs) fields(prefix string, m map[string]interface{}) {
	m[prefix+"SpendAmount"] = bigStr(leg.SpendAmount)
	m[prefix+"SpendBlinding"] = bigStr(leg.SpendBlinding)
	m[prefix+"SpendAssetID"] = bigStr(leg.SpendAssetID)
	m[prefix+"SpendTokenID"] = bigStr(leg.SpendTokenID)
	m[prefix+"SpendPrivateKey"] = bigStr(leg.SpendPrivateKey)
	m[prefix+"SpendPathIndices"] = bigStr(leg.SpendPathIndices)
	m[prefix+"SpendPathElements"] = bigStrs(leg.SpendPathElements)
	m[prefix+"ChangeAmount"] = bigStr(leg.ChangeAmount)
	m[prefix+"ChangeBlinding"] = bigStr(leg.ChangeBlinding)
	m[prefix+"ReceiveAmount"] = bigStr(leg.ReceiveAmount)
	m[prefix+"ReceiveBlinding"] = bigStr(leg.ReceiveBlinding)
	m[prefix+"ReceiveAssetID"] = bigStr(leg.ReceiveAssetID)
	m[prefix+"ReceiveTokenID"] = bigStr(leg.ReceiveTokenID)
	m[prefix+"Pk_X"] = bigStr(leg.PublicKeyX)
	m[prefix+"Pk_Y"] = bigStr(leg.PublicKeyY)
	m[prefix+"Signature_R8x"] = bigStr(leg.SignatureR8X)
	m[prefix+"Signature_R8y"] = bigStr(leg.SignatureR8Y)
	m[prefix+"Signature_S"] = bigStr(leg.SignatureS)
}

// SwapInputs are the inputs of the swap circuit
type SwapInputs struct {
	// public
	AliceSpendNullifier    *big.Int
	BobSpendNullifier      *big.Int
	SwapMessageHash        *big.Int
	AliceChangeCommitment  *big.Int
	AliceReceiveCommitment *big.Int
	BobChangeCommitment    *big.Int
	BobReceiveCommitment   *big.Int
	T                      *big.Int
	TPrime                 *big.Int
	CurrentTimestamp       *big.Int
	ChainID                *big.Int
	Roots                  []*big.Int

	// private
	Alice SwapLegInputs
	Bob   SwapLegInputs
}

// Circuit implements CircuitInputs
func (in *SwapInputs) Circuit() CircuitID { return CircuitSwap }

// PublicSignals implements CircuitInputs
func (in *SwapInputs) PublicSignals() []*big.Int {
	signals := []*big.Int{
		in.AliceSpendNullifier, in.BobSpendNullifier, in.SwapMessageHash,
		in.AliceChangeCommitment, in.AliceReceiveCommitment,
		in.BobChangeCommitment, in.BobReceiveCommitment,
		in.T, in.TPrime, in.CurrentTimestamp, in.ChainID,
	}
	return append(signals, in.Roots...)
}

// MarshalJSON implements json.Marshaler
func (in *SwapInputs) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{
		"aliceSpendNullifier": bigStr(in.AliceSpendNullifier),
		"bobSpendNullifier":   bigStr(in.BobSpendNullifier),
		"swapMessageHash":     bigStr(in.SwapMessageHash),
		"aliceChangeRecord":   bigStr(in.AliceChangeCommitment),
		"aliceReceiveRecord":  bigStr(in.AliceReceiveCommitment),
		"bobChangeRecord":     bigStr(in.BobChangeCommitment),
		"bobReceiveRecord":    bigStr(in.BobReceiveCommitment),
		"t":                   bigStr(in.T),
		"tPrime":              bigStr(in.TPrime),
		"currentTimestamp":    bigStr(in.CurrentTimestamp),
		"chainID":             bigStr(in.ChainID),
		"roots":               bigStrs(in.Roots),
	}
	in.Alice.fields("alice", m)
	in.Bob.fields("bob", m)
	return json.Marshal(m)
}
