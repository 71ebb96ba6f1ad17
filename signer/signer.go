package signer

import (
	"crypto/ecdsa"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Verifier checks signatures and binds public keys to ledger addresses.
type Verifier interface {
	Verify(publicKey, signature, message []byte) bool
	Address(publicKey []byte) (string, error)
}

// Signer produces signatures that a Verifier accepts.
type Signer interface {
	Sign(message, privateKey []byte) ([]byte, error)
}

var (
	_ Verifier = (*Secp256k1)(nil)
	_ Signer   = (*Secp256k1)(nil)
)

// Secp256k1 signs the keccak256 digest of a message. Public keys are the
// 65-byte uncompressed form and addresses are the 0x-prefixed hex of the
// last 20 bytes of the key hash.
type Secp256k1 struct{}

func NewSecp256k1() *Secp256k1 {
	return &Secp256k1{}
}

func (s *Secp256k1) Sign(message, privateKey []byte) ([]byte, error) {
	priv, err := ethCrypto.ToECDSA(privateKey)
	if err != nil {
		return nil, errors.Wrap(err, "decoding private key")
	}

	return ethCrypto.Sign(ethCrypto.Keccak256(message), priv)
}

func (s *Secp256k1) Verify(publicKey, signature, message []byte) bool {
	// drop the recovery id if present
	if len(signature) == 65 {
		signature = signature[:64]
	}
	if len(signature) != 64 || len(publicKey) == 0 {
		return false
	}

	return ethCrypto.VerifySignature(publicKey, ethCrypto.Keccak256(message), signature)
}

func (s *Secp256k1) Address(publicKey []byte) (string, error) {
	pub, err := ethCrypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "unmarshalling public key")
	}

	return ethCrypto.PubkeyToAddress(*pub).Hex(), nil
}

// KeyPair is a freshly generated identity.
type KeyPair struct {
	PrivateKey []byte
	PublicKey  []byte
	Address    string
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ethCrypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating secp256k1 key")
	}

	return keyPairFrom(priv), nil
}

func keyPairFrom(priv *ecdsa.PrivateKey) *KeyPair {
	return &KeyPair{
		PrivateKey: ethCrypto.FromECDSA(priv),
		PublicKey:  ethCrypto.FromECDSAPub(&priv.PublicKey),
		Address:    ethCrypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}
}
