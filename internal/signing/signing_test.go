package signing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysAndStripsWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"zebra": 1,
		"alpha": map[string]interface{}{"y": true, "x": "hi"},
		"list":  []interface{}{3, 2, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"x":"hi","y":true},"list":[3,2,1],"zebra":1}`, string(out))
}

func TestCanonicalJSONStableAcrossKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"a": 1, "b": 2.5, "c": "x"})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]interface{}{"c": "x", "b": 2.5, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalJSONNumbers(t *testing.T) {
	out, err := CanonicalJSON(map[string]interface{}{
		"int":   42,
		"whole": 2.0,
		"frac":  0.125,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"frac":0.125,"int":42,"whole":2}`, string(out))
}

func TestHashPayloadDeterministic(t *testing.T) {
	h1, err := HashPayload(map[string]interface{}{"agent_id": "a1", "status": "success"})
	require.NoError(t, err)
	h2, err := HashPayload(map[string]interface{}{"status": "success", "agent_id": "a1"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner("")
	require.NoError(t, err)

	payload := map[string]interface{}{
		"agent_id":    "agent-1",
		"status":      "success",
		"duration_ms": 1200,
	}
	cert, err := signer.Certify(payload)
	require.NoError(t, err)

	assert.Equal(t, "CertifiedExecutionTrace", cert["@type"])
	proof := cert["proof"].(map[string]interface{})
	assert.Equal(t, signer.PublicKeyHex(), proof["publicKey"])

	ok, err := Verify(cert)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := NewSigner("")
	require.NoError(t, err)

	cert, err := signer.Certify(map[string]interface{}{"agent_id": "agent-1", "status": "success"})
	require.NoError(t, err)

	cert["payload"].(map[string]interface{})["status"] = "failure"

	ok, err := Verify(cert)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSignerLoadsFixedKey(t *testing.T) {
	// Known-good secp256k1 private key (all test vectors, never production)
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	s1, err := NewSigner(keyHex)
	require.NoError(t, err)
	s2, err := NewSigner(keyHex)
	require.NoError(t, err)
	assert.Equal(t, s1.PublicKeyHex(), s2.PublicKeyHex())
}

func TestNewSignerRejectsGarbageKey(t *testing.T) {
	_, err := NewSigner("not-hex")
	assert.Error(t, err)
}

func TestNewSignerFromFilePersistsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	s1, err := NewSignerFromFile(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := s1.Certify(map[string]interface{}{"agent_id": "agent-1", "status": "success"})
	require.NoError(t, err)

	// a second start loads the same key, so old certificates still verify
	s2, err := NewSignerFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, s1.PublicKeyHex(), s2.PublicKeyHex())

	ok, err := Verify(cert)
	require.NoError(t, err)
	assert.True(t, ok)
}
