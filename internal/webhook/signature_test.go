package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignFormat(t *testing.T) {
	sig := Sign("whsec_test", []byte(`{"hello":"world"}`), 1700000000)

	require.True(t, strings.HasPrefix(sig, "t=1700000000,v1="))
	digest := strings.TrimPrefix(sig, "t=1700000000,v1=")
	assert.Len(t, digest, 64)
	assert.Regexp(t, "^[0-9a-f]+$", digest)
}

func TestSignIsDeterministic(t *testing.T) {
	body := []byte(`{"hello":"world"}`)

	assert.Equal(t, Sign("secret", body, 1700000000), Sign("secret", body, 1700000000))
	assert.NotEqual(t, Sign("secret", body, 1700000000), Sign("other", body, 1700000000))
	assert.NotEqual(t, Sign("secret", body, 1700000000), Sign("secret", body, 1700000001))
	assert.NotEqual(t, Sign("secret", body, 1700000000), Sign("secret", []byte(`{}`), 1700000000))
}
