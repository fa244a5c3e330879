package order

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repeatReader byte

func (r repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestSaltFitsIn53Bits(t *testing.T) {
	g := NewSaltGenerator(repeatReader(0xff))
	salt, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<53-1, salt)

	g = NewSaltGenerator(nil)
	for range 1000 {
		salt, err := g.Generate()
		require.NoError(t, err)
		assert.LessOrEqual(t, salt, uint64(1)<<53-1)
	}
}

func TestSaltIsDeterministicForAFixedSource(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	a, err := NewSaltGenerator(bytes.NewReader(src)).Generate()
	require.NoError(t, err)
	b, err := NewSaltGenerator(bytes.NewReader(src)).Generate()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(0x0002030405060708), a)
}

func TestSaltPropagatesReaderErrors(t *testing.T) {
	_, err := NewSaltGenerator(failingReader{}).Generate()
	assert.Error(t, err)

	_, err = NewSaltGenerator(bytes.NewReader([]byte{1, 2})).Generate()
	assert.Error(t, err)
}
