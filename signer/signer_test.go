package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSecp256k1()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("alicebob105")
	sig, err := s.Sign(msg, kp.PrivateKey)
	require.NoError(t, err)

	assert.True(t, s.Verify(kp.PublicKey, sig, msg))
	assert.False(t, s.Verify(kp.PublicKey, sig, []byte("alicebob106")))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, s.Verify(other.PublicKey, sig, msg))
}

func TestAddressMatchesKeyPair(t *testing.T) {
	s := NewSecp256k1()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	addr, err := s.Address(kp.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kp.Address, addr)

	_, err = s.Address([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := NewSecp256k1()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.False(t, s.Verify(kp.PublicKey, []byte{1, 2}, []byte("m")))
	assert.False(t, s.Verify(nil, make([]byte, 64), []byte("m")))
}
