package crypto

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Hardhat account #0; never holds funds.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testAnswer(t *testing.T) domain.OracleAnswer {
	t.Helper()
	id, err := domain.IdentifierFromString("YES_OR_NO_QUERY")
	require.NoError(t, err)
	return domain.OracleAnswer{
		Query: domain.Query{Identifier: id, Ancillary: []byte("q: test"), Timestamp: time.Unix(1767268800, 0)},
		State: domain.AnswerSettled,
		Price: domain.PriceFor(1),
	}
}

func TestSigner_Address(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	_, err = NewSigner("zz")
	assert.Error(t, err)
}

func TestSigner_AnswerRoundTrip(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	a := testAnswer(t)
	a.Signature, err = s.SignAnswer(a)
	require.NoError(t, err)
	require.Len(t, a.Signature, 65)
	assert.Contains(t, []byte{27, 28}, a.Signature[64])

	got, err := RecoverAnswerSigner(a)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
	assert.NoError(t, AnswerVerifier{}.VerifyAnswer(a, s.Address()))

	tampered := a
	tampered.Price = domain.PriceFor(0)
	assert.ErrorIs(t, AnswerVerifier{}.VerifyAnswer(tampered, s.Address()), ErrSignerMismatch)

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	assert.ErrorIs(t, AnswerVerifier{}.VerifyAnswer(a, ethcrypto.PubkeyToAddress(other.PublicKey)), ErrSignerMismatch)

	a.Signature = a.Signature[:10]
	assert.Error(t, AnswerVerifier{}.VerifyAnswer(a, s.Address()))
}

func TestSigner_RequestRoundTrip(t *testing.T) {
	s := NewSignerFromKey(mustKey(t))
	body := []byte(`{"request_id":"r1","outcome":"YES","amount":"100"}`)

	sig, err := s.SignRequest(body)
	require.NoError(t, err)

	got, err := RecoverRequestSigner(body, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	got, err = RecoverRequestSigner([]byte(`{"request_id":"r1","outcome":"NO","amount":"100"}`), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	_, err = RecoverRequestSigner(body, "0xnothex")
	assert.Error(t, err)
}

func TestKeyFileRoundTrip(t *testing.T) {
	data, err := EncryptKey(testKey, "correct horse")
	require.NoError(t, err)

	pk, err := DecryptKey(data, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, 0, mustKey(t).D.Cmp(pk.D))

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)
	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "oracle.key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	pk, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, 0, mustKey(t).D.Cmp(pk.D))

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	pk, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	return pk
}
