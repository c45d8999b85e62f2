package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalIdentityUnlockGatesPrivateKey(t *testing.T) {
	li := New(nil, DefaultCredentialOptions([]byte("test-secret")))
	ctx := context.Background()

	token, err := li.Generate("id-1")
	require.NoError(t, err)

	assert.True(t, li.HasKey(ctx, "id-1"))
	assert.True(t, li.HavePrivateKey(ctx, "id-1"), "Generate should unlock immediately")

	pub, ok := li.GetKey(ctx, "id-1")
	require.True(t, ok)
	assert.Len(t, pub, 32)

	priv, ok := li.GetPrivateKey(ctx, "id-1")
	require.True(t, ok)
	assert.Len(t, priv, 64)

	assert.False(t, li.HasKey(ctx, "id-unknown"))

	err = li.Authorize("id-1", token)
	assert.NoError(t, err)
	err = li.Authorize("id-1", "garbage")
	assert.Error(t, err)
}

func TestLocalIdentityWithoutCredentialHasNoPrivateAccess(t *testing.T) {
	li := New(nil, DefaultCredentialOptions([]byte("test-secret")))
	ctx := context.Background()

	li.mu.Lock()
	li.keys["id-2"] = record{}
	li.mu.Unlock()

	assert.True(t, li.HasKey(ctx, "id-2"))
	assert.False(t, li.HavePrivateKey(ctx, "id-2"))
	_, ok := li.GetPrivateKey(ctx, "id-2")
	assert.False(t, ok)
}
