package secret

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

var testKey = hex.EncodeToString(make([]byte, 32))

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	ct, err := c.Encrypt("s3cret-value")
	require.NoError(t, err)
	assert.NotContains(t, ct, "s3cret-value")

	plain, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", plain)
}

func TestCipherNoncePerValue(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewCipherKeyValidation(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)

	_, err = NewCipher("deadbeef")
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)

	_, err = c.Decrypt("not-base64!!")
	assert.Error(t, err)

	_, err = c.Decrypt("QUJD") // valid base64, too short for a nonce
	assert.Error(t, err)
}

func TestResolveParamsNested(t *testing.T) {
	lookup := StaticLookup(map[string]string{
		"DISCORD_TOKEN": "tok-123",
		"API_KEY":       "key-456",
	})

	params := map[string]any{
		"botToken": "process.env.DISCORD_TOKEN",
		"limit":    100,
		"nested": map[string]any{
			"apiKey": "process.env.API_KEY",
		},
		"list": []any{"plain", "process.env.DISCORD_TOKEN"},
	}

	out, err := ResolveParams(context.Background(), params, lookup)
	require.NoError(t, err)

	assert.Equal(t, "tok-123", out["botToken"])
	assert.Equal(t, 100, out["limit"])
	assert.Equal(t, "key-456", out["nested"].(map[string]any)["apiKey"])
	assert.Equal(t, []any{"plain", "tok-123"}, out["list"])

	// Input is untouched.
	assert.Equal(t, "process.env.DISCORD_TOKEN", params["botToken"])
}

func TestResolveParamsMissingSecret(t *testing.T) {
	lookup := StaticLookup(map[string]string{})

	_, err := ResolveParams(context.Background(), map[string]any{
		"botToken": "process.env.MISSING",
	}, lookup)

	var ms *service.MissingSecretError
	require.ErrorAs(t, err, &ms)
	assert.Equal(t, "MISSING", ms.Name)
}

func TestResolveParamsLeavesPlainStrings(t *testing.T) {
	out, err := ResolveParams(context.Background(), map[string]any{
		"model": "gpt-4o-mini",
	}, StaticLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", out["model"])
}

// memStorer is an in-memory Storer for Store tests.
type memStorer struct {
	values map[string]string // configID+"/"+name -> ciphertext
}

func newMemStorer() *memStorer { return &memStorer{values: map[string]string{}} }

func (m *memStorer) GetSecret(_ context.Context, configID, name string) (string, error) {
	return m.values[configID+"/"+name], nil
}

func (m *memStorer) SetSecret(_ context.Context, configID, name, ct string) error {
	m.values[configID+"/"+name] = ct
	return nil
}

func (m *memStorer) ListSecretNames(_ context.Context, configID string) ([]string, error) {
	var names []string
	for k := range m.values {
		if len(k) > len(configID) && k[:len(configID)] == configID {
			names = append(names, k[len(configID)+1:])
		}
	}
	return names, nil
}

func (m *memStorer) DeleteSecret(_ context.Context, configID, name string) error {
	delete(m.values, configID+"/"+name)
	return nil
}

func TestStoreLookupScopedToConfig(t *testing.T) {
	c, err := NewCipher(testKey)
	require.NoError(t, err)
	storer := newMemStorer()
	st := NewStore(c, storer)
	ctx := context.Background()

	require.NoError(t, st.Set(ctx, "cfg-1", "TOKEN", "value-1"))
	require.NoError(t, st.Set(ctx, "cfg-2", "TOKEN", "value-2"))

	// Persisted form is ciphertext.
	for _, ct := range storer.values {
		assert.NotContains(t, ct, "value-1")
		assert.NotContains(t, ct, "value-2")
	}

	plain, ok, err := st.Lookup("cfg-1")(ctx, "TOKEN")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-1", plain)

	_, ok, err = st.Lookup("cfg-1")(ctx, "OTHER")
	require.NoError(t, err)
	assert.False(t, ok)
}
