package crypt

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type secret struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestRoundTrip(t *testing.T) {
	e, err := NewAESEngine("correct horse")
	require.NoError(t, err)

	enc, err := e.EncryptObject(secret{Name: "alpha", Count: 3})
	require.NoError(t, err)
	assert.NotContains(t, enc, "alpha")

	var out secret
	require.NoError(t, e.DecryptObject(enc, &out, true))
	assert.Equal(t, secret{Name: "alpha", Count: 3}, out)
}

func TestNoncesDiffer(t *testing.T) {
	e, err := NewAESEngine("k")
	require.NoError(t, err)
	a, err := e.EncryptObject("same")
	require.NoError(t, err)
	b, err := e.EncryptObject("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWrongKeyFails(t *testing.T) {
	right, err := NewAESEngine("right")
	require.NoError(t, err)
	wrong, err := NewAESEngine("wrong")
	require.NoError(t, err)

	enc, err := right.EncryptObject("payload")
	require.NoError(t, err)
	var out string
	assert.Error(t, wrong.DecryptObject(enc, &out, true))
	assert.Empty(t, out)
}

func TestInitialize(t *testing.T) {
	e, err := NewAESEngine("")
	require.NoError(t, err)

	_, err = e.EncryptObject(1)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	assert.True(t, errors.Is(e.Initialize(map[string]any{}), ErrInvalidKey))
	assert.True(t, errors.Is(e.Initialize(map[string]any{KeyParam: 42}), ErrInvalidKey))
	assert.True(t, errors.Is(e.Initialize(map[string]any{KeyParam: "  "}), ErrInvalidKey))
	assert.True(t, errors.Is(e.Initialize(map[string]any{KeyParam: " padded"}), ErrInvalidKey))

	require.NoError(t, e.Initialize(map[string]any{KeyParam: "key"}))
	enc, err := e.EncryptObject(int64(7))
	require.NoError(t, err)
	var n int64
	require.NoError(t, e.DecryptObject(enc, &n, true))
	assert.Equal(t, int64(7), n)
}

func TestDecryptEmpty(t *testing.T) {
	e, err := NewAESEngine("key")
	require.NoError(t, err)

	out := "unchanged"
	require.NoError(t, e.DecryptObject(" ", &out, false))
	assert.Equal(t, "unchanged", out)
	assert.True(t, errors.Is(e.DecryptObject("", &out, true), ErrEmptyValue))

	assert.Error(t, e.DecryptObject("not base64!", &out, true))
	assert.Error(t, e.DecryptObject("abc=", out, true))
}
