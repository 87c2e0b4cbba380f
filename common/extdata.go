package common

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExtData is the part of a transact call that is not a circuit input.  The
// circuit binds it through ExtDataHash.
type ExtData struct {
	Recipient ethCommon.Address
	// ExtAmount is positive for a deposit and negative for a withdrawal
	ExtAmount        *big.Int
	Relayer          ethCommon.Address
	Fee              *big.Int
	Refund           *big.Int
	Token            ethCommon.Address
	EncryptedOutput1 []byte
	EncryptedOutput2 []byte
}

var extDataArguments abi.Arguments

func init() {
	extDataType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "recipient", Type: "address"},
		{Name: "extAmount", Type: "int256"},
		{Name: "relayer", Type: "address"},
		{Name: "fee", Type: "uint256"},
		{Name: "refund", Type: "uint256"},
		{Name: "token", Type: "address"},
		{Name: "encryptedOutput1", Type: "bytes"},
		{Name: "encryptedOutput2", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	extDataArguments = abi.Arguments{{Type: extDataType}}
}

// Encode returns the ABI encoding of the ExtData struct, as abi.encode does
// in the pool contract
func (e *ExtData) Encode() ([]byte, error) {
	v := *e
	for _, p := range []**big.Int{&v.ExtAmount, &v.Fee, &v.Refund} {
		if *p == nil {
			*p = big.NewInt(0)
		}
	}
	if v.EncryptedOutput1 == nil {
		v.EncryptedOutput1 = []byte{}
	}
	if v.EncryptedOutput2 == nil {
		v.EncryptedOutput2 = []byte{}
	}
	b, err := extDataArguments.Pack(v)
	if err != nil {
		return nil, Wrap(err)
	}
	return b, nil
}

// Hash returns keccak256 of the ABI encoding reduced mod P
func (e *ExtData) Hash() (*big.Int, error) {
	b, err := e.Encode()
	if err != nil {
		return nil, Wrap(err)
	}
	return ReduceField(new(big.Int).SetBytes(crypto.Keccak256(b))), nil
}
