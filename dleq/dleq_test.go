package dleq

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProveVerifyRoundTrip(t *testing.T) {
	s, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	proof, images, err := Prove(s, rand.Reader)
	require.NoError(t, err)

	assert.True(t, Verify(proof, images))
}

func TestVerifyRejectsMismatchedImages(t *testing.T) {
	s1, err := RandomScalar(rand.Reader)
	require.NoError(t, err)
	s2, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	proof, _, err := Prove(s1, rand.Reader)
	require.NoError(t, err)

	assert.False(t, Verify(proof, s2.Image()))
}

func TestVerifyRejectsTamperedResponse(t *testing.T) {
	s, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	proof, images, err := Prove(s, rand.Reader)
	require.NoError(t, err)

	proof.Z.Add(proof.Z, big.NewInt(1))

	assert.False(t, Verify(proof, images))
}
