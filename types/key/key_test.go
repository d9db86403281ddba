package key

import (
	"encoding/json"
	"testing"

	"github.com/edup2p/saltyrtc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/blake2b"
)

var testNonce = [NonceLen]byte{1, 2, 3, 4}

func TestKeyStore_BoxRoundTrip(t *testing.T) {
	a := MustNewKeyStore()
	b := MustNewKeyStore()

	ct := a.Encrypt([]byte("hello"), b.PublicKey(), &testNonce)

	pt, err := b.Decrypt(ct, a.PublicKey(), &testNonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestKeyStore_DecryptFailures(t *testing.T) {
	a := MustNewKeyStore()
	b := MustNewKeyStore()
	c := MustNewKeyStore()

	ct := a.Encrypt([]byte("hello"), b.PublicKey(), &testNonce)

	// wrong peer key
	_, err := b.Decrypt(ct, c.PublicKey(), &testNonce)
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.ErrorIs(t, err, types.ErrCrypto)

	// wrong nonce
	otherNonce := testNonce
	otherNonce[23] = 0xff
	_, err = b.Decrypt(ct, a.PublicKey(), &otherNonce)
	assert.ErrorIs(t, err, ErrDecrypt)

	// tampered
	ct[len(ct)-1] ^= 1
	_, err = b.Decrypt(ct, a.PublicKey(), &testNonce)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestKeyStore_EmptyPlaintext(t *testing.T) {
	a := MustNewKeyStore()
	b := MustNewKeyStore()

	ct := a.Encrypt(nil, b.PublicKey(), &testNonce)

	pt, err := b.Decrypt(ct, a.PublicKey(), &testNonce)
	require.NoError(t, err)
	assert.NotNil(t, pt)
	assert.Empty(t, pt)
}

func TestKeyStore_FromSecret(t *testing.T) {
	a := MustNewKeyStore()

	b, err := ParseSecretText(a.SecretText())
	require.NoError(t, err)

	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = ParseSecretText("priv:" + PublicKey{}.HexString())
	assert.Error(t, err)

	_, err = ParseSecretText("pub:" + a.PublicKey().HexString())
	assert.Error(t, err)
}

func TestKeyStore_Wipe(t *testing.T) {
	a := MustNewKeyStore()
	b := MustNewKeyStore()

	a.Wipe()
	a.Wipe()

	assert.True(t, a.Wiped())
	assert.Panics(t, func() {
		a.Encrypt([]byte("x"), b.PublicKey(), &testNonce)
	})

	// The public half remains usable for diagnostics
	assert.False(t, a.PublicKey().IsZero())
}

func TestKeyStore_LogValueHidesSecret(t *testing.T) {
	a := MustNewKeyStore()

	assert.Equal(t, a.PublicKey().Debug(), a.LogValue().String())
	assert.NotContains(t, a.String(), a.SecretText()[len(secretHexPrefix):])
}

func TestPublicKey_Text(t *testing.T) {
	p := MustNewKeyStore().PublicKey()

	text, err := p.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "pub:"+p.HexString(), string(text))

	var q PublicKey
	require.NoError(t, q.UnmarshalText(text))
	assert.Equal(t, p, q)

	bare, err := ParsePublicKey(p.HexString())
	require.NoError(t, err)
	assert.Equal(t, p, bare)

	_, err = ParsePublicKey("pub:abcd")
	assert.Error(t, err)

	_, err = ParsePublicKey("priv:" + p.HexString())
	assert.Error(t, err)

	_, err = ParsePublicKey("pub:" + p.HexString()[:62] + "zz")
	assert.Error(t, err)
}

func TestPublicKey_JSON(t *testing.T) {
	type doc struct {
		Key PublicKey `json:"key"`
	}

	in := doc{Key: MustNewKeyStore().PublicKey()}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out doc
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestPublicKey_BSON(t *testing.T) {
	type doc struct {
		Key PublicKey `bson:"key"`
	}

	in := doc{Key: MustNewKeyStore().PublicKey()}

	b, err := bson.Marshal(&in)
	require.NoError(t, err)

	var out doc
	require.NoError(t, bson.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestPublicKeyFromSlice(t *testing.T) {
	p := MustNewKeyStore().PublicKey()

	q, err := PublicKeyFromSlice(p.ToByteSlice())
	require.NoError(t, err)
	assert.Equal(t, p, q)

	_, err = PublicKeyFromSlice(make([]byte, 31))
	assert.Error(t, err)
}

func TestAuthToken(t *testing.T) {
	tok := NewAuthToken()

	ct := tok.Seal([]byte("key"), &testNonce)

	parsed, err := ParseAuthToken(tok.Text())
	require.NoError(t, err)

	pt, err := parsed.Open(ct, &testNonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), pt)

	_, err = NewAuthToken().Open(ct, &testNonce)
	assert.ErrorIs(t, err, types.ErrCrypto)

	_, err = AuthTokenFromBytes(make([]byte, 16))
	assert.Error(t, err)

	tok.Wipe()
	assert.Panics(t, func() {
		tok.Seal([]byte("key"), &testNonce)
	})
}

func TestFingerprintOf(t *testing.T) {
	p := MustNewKeyStore().PublicKey()

	assert.Equal(t, Fingerprint(blake2b.Sum256(p[:])), FingerprintOf(p))
	assert.NotEqual(t, FingerprintOf(p), FingerprintOf(MustNewKeyStore().PublicKey()))
}
