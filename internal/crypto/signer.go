package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// ErrSignerMismatch is returned when a signature recovers to an address
// other than the expected one.
var ErrSignerMismatch = errors.New("crypto: signer mismatch")

// Signer produces EIP-191 personal signatures with a secp256k1 key. The
// oracle uses it to sign answers; participants use it to sign requests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAnswer signs the answer digest and returns the 65-byte signature.
func (s *Signer) SignAnswer(a domain.OracleAnswer) ([]byte, error) {
	return s.signDigest(AnswerDigest(a))
}

// SignRequest signs a request body and returns the 0x-prefixed hex signature
// expected in the X-Signature header.
func (s *Signer) SignRequest(body []byte) (string, error) {
	sig, err := s.signDigest(ethcrypto.Keccak256(body))
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// signDigest signs personalHash(digest) and returns r || s || v with v in
// {27, 28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(personalHash(digest), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// AnswerDigest commits to every field of an oracle answer:
//
//	keccak256(identifier || keccak256(ancillary) || uint256(timestamp) || keccak256(state) || uint256(price))
func AnswerDigest(a domain.OracleAnswer) []byte {
	price := a.Price
	if price == nil {
		price = new(big.Int)
	}
	return ethcrypto.Keccak256(
		concatBytes(
			a.Query.Identifier[:],
			ethcrypto.Keccak256(a.Query.Ancillary),
			bigIntTo32Bytes(big.NewInt(a.Query.Timestamp.Unix())),
			ethcrypto.Keccak256([]byte(a.State)),
			bigIntTo32Bytes(price),
		),
	)
}

// RecoverAnswerSigner returns the address that signed a.
func RecoverAnswerSigner(a domain.OracleAnswer) (common.Address, error) {
	return recoverDigest(AnswerDigest(a), a.Signature)
}

// RecoverRequestSigner returns the address that signed body.
func RecoverRequestSigner(body []byte, signatureHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is not hex: %w", err)
	}
	return recoverDigest(ethcrypto.Keccak256(body), sig)
}

// AnswerVerifier checks that answers were signed by the market's oracle.
type AnswerVerifier struct{}

// VerifyAnswer fails unless a recovers to oracle.
func (AnswerVerifier) VerifyAnswer(a domain.OracleAnswer, oracle common.Address) error {
	got, err := RecoverAnswerSigner(a)
	if err != nil {
		return err
	}
	if got != oracle {
		return fmt.Errorf("%w: got %s, want %s", ErrSignerMismatch, got.Hex(), oracle.Hex())
	}
	return nil
}

func recoverDigest(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(personalHash(digest), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// personalHash computes the EIP-191 version 0x45 digest:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func personalHash(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
