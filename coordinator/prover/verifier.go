package prover

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"shielded-pool/common"

	bn256 "github.com/ethereum/go-ethereum/crypto/bn256/cloudflare"
)

// VerifyingKey is a groth16 verifying key over BN254
type VerifyingKey struct {
	Alpha *bn256.G1
	Beta  *bn256.G2
	Gamma *bn256.G2
	Delta *bn256.G2
	// IC has one point more than the number of public signals
	IC []*bn256.G1
}

type verifyingKeyJSON struct {
	Protocol string        `json:"protocol"`
	NPublic  int           `json:"nPublic"`
	Alpha    [3]*bigInt    `json:"vk_alpha_1"`
	Beta     [3][2]*bigInt `json:"vk_beta_2"`
	Gamma    [3][2]*bigInt `json:"vk_gamma_2"`
	Delta    [3][2]*bigInt `json:"vk_delta_2"`
	IC       [][3]*bigInt  `json:"IC"`
}

func word(v *big.Int) []byte {
	var b [32]byte
	v.FillBytes(b[:])
	return b[:]
}

// g1FromAffine builds a G1 point from its affine coordinates
func g1FromAffine(x, y *big.Int) (*bn256.G1, error) {
	if x == nil || y == nil {
		return nil, common.Wrap(fmt.Errorf("missing G1 coordinate"))
	}
	buf := append(word(x), word(y)...)
	p := new(bn256.G1)
	if _, err := p.Unmarshal(buf); err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

// g2FromAffine builds a G2 point from snarkjs coordinates, where every
// coordinate is [real, imaginary]
func g2FromAffine(x, y [2]*big.Int) (*bn256.G2, error) {
	for _, v := range []*big.Int{x[0], x[1], y[0], y[1]} {
		if v == nil {
			return nil, common.Wrap(fmt.Errorf("missing G2 coordinate"))
		}
	}
	buf := make([]byte, 0, 128)
	buf = append(buf, word(x[1])...)
	buf = append(buf, word(x[0])...)
	buf = append(buf, word(y[1])...)
	buf = append(buf, word(y[0])...)
	p := new(bn256.G2)
	if _, err := p.Unmarshal(buf); err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

func g2FromJSON(c [3][2]*bigInt) (*bn256.G2, error) {
	return g2FromAffine(
		[2]*big.Int{(*big.Int)(c[0][0]), (*big.Int)(c[0][1])},
		[2]*big.Int{(*big.Int)(c[1][0]), (*big.Int)(c[1][1])},
	)
}

// ParseVerifyingKey parses a snarkjs verification_key.json
func ParseVerifyingKey(data []byte) (*VerifyingKey, error) {
	var vkJSON verifyingKeyJSON
	if err := json.Unmarshal(data, &vkJSON); err != nil {
		return nil, common.Wrap(err)
	}
	if vkJSON.Protocol != "" && vkJSON.Protocol != "groth16" {
		return nil, common.Wrap(fmt.Errorf("unsupported protocol %v", vkJSON.Protocol))
	}
	if vkJSON.NPublic != 0 && vkJSON.NPublic+1 != len(vkJSON.IC) {
		return nil, common.Wrap(fmt.Errorf("nPublic %d does not match %d IC points",
			vkJSON.NPublic, len(vkJSON.IC)))
	}
	var vk VerifyingKey
	var err error
	if vk.Alpha, err = g1FromAffine((*big.Int)(vkJSON.Alpha[0]), (*big.Int)(vkJSON.Alpha[1])); err != nil {
		return nil, common.Wrap(err)
	}
	if vk.Beta, err = g2FromJSON(vkJSON.Beta); err != nil {
		return nil, common.Wrap(err)
	}
	if vk.Gamma, err = g2FromJSON(vkJSON.Gamma); err != nil {
		return nil, common.Wrap(err)
	}
	if vk.Delta, err = g2FromJSON(vkJSON.Delta); err != nil {
		return nil, common.Wrap(err)
	}
	vk.IC = make([]*bn256.G1, len(vkJSON.IC))
	for i, ic := range vkJSON.IC {
		if vk.IC[i], err = g1FromAffine((*big.Int)(ic[0]), (*big.Int)(ic[1])); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return &vk, nil
}

// LoadVerifyingKey reads a snarkjs verification_key.json file
func LoadVerifyingKey(path string) (*VerifyingKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, common.Wrap(err)
	}
	return ParseVerifyingKey(data)
}

// Verify checks the groth16 equation
// e(A, B) = e(alpha, beta) · e(vkX, gamma) · e(C, delta)
// where vkX = IC[0] + Σ publicSignals[i]·IC[i+1].  It returns
// ErrProofVerificationFailed when the proof does not verify.
func (vk *VerifyingKey) Verify(publicSignals []*big.Int, proof *Proof) error {
	if len(publicSignals)+1 != len(vk.IC) {
		return common.Wrapf(common.ErrProofVerificationFailed,
			"got %d public signals, verifying key expects %d", len(publicSignals), len(vk.IC)-1)
	}
	vkX := new(bn256.G1).Set(vk.IC[0])
	for i, s := range publicSignals {
		if s == nil || s.Sign() < 0 || s.Cmp(bn256.Order) >= 0 {
			return common.Wrapf(common.ErrProofVerificationFailed,
				"public signal %d is not a scalar", i)
		}
		vkX.Add(vkX, new(bn256.G1).ScalarMult(vk.IC[i+1], s))
	}
	a, err := g1FromAffine(proof.PiA[0], proof.PiA[1])
	if err != nil {
		return common.Wrapf(common.ErrProofVerificationFailed, "pi_a: %v", err)
	}
	b, err := g2FromAffine(proof.PiB[0], proof.PiB[1])
	if err != nil {
		return common.Wrapf(common.ErrProofVerificationFailed, "pi_b: %v", err)
	}
	c, err := g1FromAffine(proof.PiC[0], proof.PiC[1])
	if err != nil {
		return common.Wrapf(common.ErrProofVerificationFailed, "pi_c: %v", err)
	}
	ok := bn256.PairingCheck(
		[]*bn256.G1{new(bn256.G1).Neg(a), vk.Alpha, vkX, c},
		[]*bn256.G2{b, vk.Beta, vk.Gamma, vk.Delta},
	)
	if !ok {
		return common.Wrap(common.ErrProofVerificationFailed)
	}
	return nil
}
