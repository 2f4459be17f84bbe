package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRepoIdentity(t *testing.T) {
	ctx := context.Background()

	t.Run("missing identity", func(t *testing.T) {
		repo := NewCredentialRepo(setupTestDB(t), nil)
		_, err := repo.GetIdentity(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("save and reload with encryption", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewCredentialRepo(db, NewCipher("pw"))

		require.NoError(t, repo.SaveIdentity(ctx, ServiceIdentity{
			Name:       "bridge-service",
			SigningKey: "raw-signing-key",
		}))

		var stored string
		require.NoError(t, db.Reader.QueryRowContext(ctx,
			`SELECT signing_key FROM service_identity WHERE id = 1`).Scan(&stored))
		assert.NotEqual(t, "raw-signing-key", stored)

		id, err := repo.GetIdentity(ctx)
		require.NoError(t, err)
		assert.Equal(t, "bridge-service", id.Name)
		assert.Equal(t, "raw-signing-key", id.SigningKey)
	})
}

func TestCredentialRepoReplace(t *testing.T) {
	ctx := context.Background()

	t.Run("replace purges the prior credential", func(t *testing.T) {
		repo := NewCredentialRepo(setupTestDB(t), nil)

		require.NoError(t, repo.Replace(ctx, ServiceCredential{
			Identity: "bridge-service", TenantID: 4, TokenID: "old", Token: "old-token", Epoch: 1,
		}))
		require.NoError(t, repo.Replace(ctx, ServiceCredential{
			Identity: "bridge-service", TenantID: 4, TokenID: "new", Token: "new-token", Epoch: 2,
		}))

		creds, err := repo.ListByTenant(ctx, 4)
		require.NoError(t, err)
		require.Len(t, creds, 1, "exactly one live credential per (identity, tenant)")
		assert.Equal(t, "new", creds[0].TokenID)
		assert.Equal(t, "new-token", creds[0].Token)
		assert.Equal(t, int64(2), creds[0].Epoch)
	})

	t.Run("credentials are tenant scoped", func(t *testing.T) {
		repo := NewCredentialRepo(setupTestDB(t), nil)

		require.NoError(t, repo.Replace(ctx, ServiceCredential{
			Identity: "bridge-service", TenantID: 1, TokenID: "t1", Token: "a",
		}))
		require.NoError(t, repo.Replace(ctx, ServiceCredential{
			Identity: "bridge-service", TenantID: 2, TokenID: "t2", Token: "b",
		}))

		c1, err := repo.Get(ctx, "bridge-service", 1)
		require.NoError(t, err)
		assert.Equal(t, "t1", c1.TokenID)

		c2, err := repo.Get(ctx, "bridge-service", 2)
		require.NoError(t, err)
		assert.Equal(t, "t2", c2.TokenID)
	})

	t.Run("expiry round trip", func(t *testing.T) {
		repo := NewCredentialRepo(setupTestDB(t), nil)
		expires := time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, repo.Replace(ctx, ServiceCredential{
			Identity: "bridge-service", TenantID: 1, TokenID: "t", Token: "x", ExpiresAt: &expires,
		}))

		c, err := repo.Get(ctx, "bridge-service", 1)
		require.NoError(t, err)
		require.NotNil(t, c.ExpiresAt)
		assert.Equal(t, expires, *c.ExpiresAt)
	})
}

func TestCredentialRepoSuspension(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepo(setupTestDB(t), nil)

	require.NoError(t, repo.Replace(ctx, ServiceCredential{
		Identity: "bridge-service", TenantID: 6, TokenID: "t", Token: "x",
	}))

	require.NoError(t, repo.SetSuspendedByTenant(ctx, 6, true))
	c, err := repo.Get(ctx, "bridge-service", 6)
	require.NoError(t, err)
	assert.True(t, c.Suspended)

	require.NoError(t, repo.SetSuspendedByTenant(ctx, 6, false))
	c, err = repo.Get(ctx, "bridge-service", 6)
	require.NoError(t, err)
	assert.False(t, c.Suspended, "reactivation restores the credential without reissuing")
}
