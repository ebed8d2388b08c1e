package signing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"os"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Garl-Protocol/garl/internal/core"
)

const (
	proofType = "EcdsaSecp256k1Signature2019"
	proofAlg  = "ES256K"
)

// Signer produces ECDSA signatures over canonical trace payloads using the
// secp256k1 curve. The private key is loaded from configuration or generated
// fresh at startup; the public key is published on the agent card so any
// third party can verify certificates offline.
type Signer struct {
	priv   *ecdsa.PrivateKey
	pubHex string
	logger *log.Logger
}

// NewSigner loads a signer from a hex-encoded private key. An empty key
// generates an ephemeral one and logs a warning, since certificates signed
// with it will not verify across restarts.
func NewSigner(privateKeyHex string) (*Signer, error) {
	logger := log.New(log.Writer(), "[SIGNING] ", log.LstdFlags)

	var priv *ecdsa.PrivateKey
	var err error
	if privateKeyHex == "" {
		priv, err = ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
		if err != nil {
			return nil, core.WrapError(core.KindConfig, err, "failed to generate signing key")
		}
		logger.Printf("⚠️  No signing key configured, generated ephemeral secp256k1 key")
	} else {
		priv, err = ethcrypto.HexToECDSA(privateKeyHex)
		if err != nil {
			return nil, core.WrapError(core.KindConfig, err, "malformed SIGNING_PRIVATE_KEY_HEX")
		}
	}

	pubHex := hex.EncodeToString(ethcrypto.FromECDSAPub(&priv.PublicKey))
	logger.Printf("✅ Signer ready, public key %s…", pubHex[:16])

	return &Signer{priv: priv, pubHex: pubHex, logger: logger}, nil
}

// NewSignerFromFile loads the hex key stored at path, or on first start
// generates one and persists it there (0600), so certificates stay
// verifiable across restarts.
func NewSignerFromFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return NewSigner(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return nil, core.WrapError(core.KindConfig, err, "failed to read signing key file %s", path)
	}

	priv, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, core.WrapError(core.KindConfig, err, "failed to generate signing key")
	}
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(priv))
	if err := os.WriteFile(path, []byte(keyHex+"\n"), 0o600); err != nil {
		return nil, core.WrapError(core.KindConfig, err, "failed to persist signing key to %s", path)
	}

	s, err := NewSigner(keyHex)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("✅ Generated signing key and persisted it to %s", path)
	return s, nil
}

// PublicKeyHex returns the 65-byte uncompressed public key as hex.
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// Sign produces a DER-encoded hex signature over the SHA-256 of the message.
func (s *Signer) Sign(message []byte) (string, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

// Certify wraps a trace payload in a verifiable certificate envelope: the
// payload plus a proof block carrying the signature over its canonical form.
func (s *Signer) Certify(payload map[string]interface{}) (map[string]interface{}, error) {
	canon, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(canon)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"@context": "https://garl.dev/schemas/v1",
		"@type":    "CertifiedExecutionTrace",
		"payload":  payload,
		"proof": map[string]interface{}{
			"type":      proofType,
			"alg":       proofAlg,
			"created":   time.Now().UTC().Format(time.RFC3339),
			"publicKey": s.pubHex,
			"signature": sig,
		},
	}, nil
}

// Verify checks a certificate produced by Certify. It recomputes the
// canonical payload, decodes the embedded public key and signature, and
// verifies the ECDSA signature over the digest.
func Verify(cert map[string]interface{}) (bool, error) {
	payload, ok := cert["payload"].(map[string]interface{})
	if !ok {
		return false, core.NewError(core.KindValidation, "certificate missing payload")
	}
	proof, ok := cert["proof"].(map[string]interface{})
	if !ok {
		return false, core.NewError(core.KindValidation, "certificate missing proof")
	}
	pubHex, _ := proof["publicKey"].(string)
	sigHex, _ := proof["signature"].(string)
	if pubHex == "" || sigHex == "" {
		return false, core.NewError(core.KindValidation, "certificate proof incomplete")
	}

	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, core.NewError(core.KindValidation, "malformed public key hex")
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false, core.NewError(core.KindValidation, "invalid secp256k1 public key")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, core.NewError(core.KindValidation, "malformed signature hex")
	}

	canon, err := CanonicalJSON(payload)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canon)
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}
