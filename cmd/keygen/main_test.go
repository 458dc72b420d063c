package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/altscore/internal/tokens"
)

func envValue(t *testing.T, out, key string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v
		}
	}
	t.Fatalf("%s not found in output %q", key, out)
	return ""
}

func TestGenerateThenPublic(t *testing.T) {
	t.Setenv("TOKEN_KEYRING_SERVICE", "")
	t.Setenv("TOKEN_SIGNING_KEY", "")

	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run(context.Background(), []string{"altscore-keygen", "generate"}))

	priv := envValue(t, out.String(), "TOKEN_SIGNING_KEY")
	pub := envValue(t, out.String(), "TOKEN_VERIFY_KEY")

	key, err := tokens.DecodePrivateKey(priv)
	require.NoError(t, err)
	verify, err := tokens.DecodePublicKey(pub)
	require.NoError(t, err)
	assert.True(t, verify.Equal(key.Public()))

	out.Reset()
	require.NoError(t, newApp(&out).Run(context.Background(), []string{"altscore-keygen", "public", "--private-key", priv}))
	assert.Equal(t, pub, envValue(t, out.String(), "TOKEN_VERIFY_KEY"))
}

func TestPublic_RejectsBadKey(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).Run(context.Background(), []string{"altscore-keygen", "public", "--private-key", "not-a-key"})
	assert.Error(t, err)
}
