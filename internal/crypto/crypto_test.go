package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmquant/polyrev/internal/domain"
)

// Well-known test vector key (hardhat account 0).
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKey_Validation(t *testing.T) {
	t.Parallel()

	_, err := EncryptKey(testKeyHex, "")
	assert.ErrorContains(t, err, "password")

	_, err = EncryptKey("abcd", "pw")
	assert.ErrorContains(t, err, "32-byte")
}

func TestLoadKey(t *testing.T) {
	t.Parallel()

	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "not-hex"})
	assert.Error(t, err)

	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{})
	assert.ErrorContains(t, err, "no private key source")
}

func TestSigner_AddressAndSignatures(t *testing.T) {
	t.Parallel()

	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	sig, err := s.SignAuthMessage(s.Address().Hex(), 1700000000, 0)
	require.NoError(t, err)
	// 65 bytes hex with 0x prefix, recovery byte normalised to 27/28.
	require.Len(t, sig, 132)
	assert.Contains(t, []string{"1b", "1c"}, sig[130:])

	_, err = s.SignOrder(OrderPayload{Salt: "not-a-number"})
	assert.ErrorContains(t, err, "invalid salt")

	sig, err = s.SignOrder(OrderPayload{
		Salt:        "12345",
		Maker:       s.Address().Hex(),
		Signer:      s.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "40000000",
		TakerAmount: "100000000",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        0,
	})
	require.NoError(t, err)
	assert.Len(t, sig, 132)
}

func TestSigner_InvalidKey(t *testing.T) {
	t.Parallel()

	_, err := NewSigner("zz", 137)
	assert.Error(t, err)
	// The sentinel only wraps failures of the signing step itself, not key
	// parsing.
	assert.NotErrorIs(t, err, domain.ErrSigningFailed)
}

func TestL2HeadersAt_Deterministic(t *testing.T) {
	t.Parallel()

	h := &HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	a := h.L2HeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1700000000)
	b := h.L2HeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1700000000)
	assert.Equal(t, a, b)
	assert.Equal(t, "0xabc", a["POLY_ADDRESS"])
	assert.Equal(t, "k", a["POLY_API_KEY"])
	assert.Equal(t, "1700000000", a["POLY_TIMESTAMP"])
	assert.NotEmpty(t, a["POLY_SIGNATURE"])

	c := h.L2HeadersAt("0xabc", "POST", "/order", `{"x":2}`, 1700000000)
	assert.NotEqual(t, a["POLY_SIGNATURE"], c["POLY_SIGNATURE"])
}

func TestHMACAuth_StringRedacts(t *testing.T) {
	t.Parallel()

	h := &HMACAuth{Key: "key-12345", Secret: "supersecret"}
	s := h.String()
	assert.NotContains(t, s, "12345")
	assert.NotContains(t, s, "supersecret")
	assert.Contains(t, s, "key-****")
}
