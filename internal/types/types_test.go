package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	p, err := PubkeyFromBase58("BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP")
	require.NoError(t, err)
	assert.Equal(t, "BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP", p.String())

	text, err := p.MarshalText()
	require.NoError(t, err)

	var back Pubkey
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, p, back)
}

func TestPubkeyInvalid(t *testing.T) {
	_, err := PubkeyFromBase58("abc")
	assert.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = PubkeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidPubkey)

	_, err = PubkeyFromBase58("0OIl")
	assert.Error(t, err)
}

func TestSystemProgramIsZero(t *testing.T) {
	assert.True(t, SystemProgramAddr.IsZero())
	assert.True(t, IsNativeProgram(SystemProgramAddr))
	assert.False(t, NativeLoaderAddr.IsZero())
}
