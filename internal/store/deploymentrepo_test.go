package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeploymentRepo(t *testing.T) {
	ctx := context.Background()

	t.Run("get before any save returns zero value", func(t *testing.T) {
		repo := NewDeploymentRepo(setupTestDB(t), nil)

		d, err := repo.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, d.InstanceID)
		assert.Empty(t, d.Secret)
		assert.False(t, d.Activated)
		assert.NotNil(t, d.Features)
	})

	t.Run("save and reload round trip", func(t *testing.T) {
		repo := NewDeploymentRepo(setupTestDB(t), nil)

		start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		end := time.Date(2027, 1, 1, 12, 0, 0, 0, time.UTC)
		in := Deployment{
			InstanceID:      "inst-42",
			Secret:          "topsecret",
			Activated:       true,
			ActivationEpoch: 3,
			ContractStart:   &start,
			ContractEnd:     &end,
			LastStatusCheck: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			Features:        map[string]bool{"callbacks": true},
		}
		require.NoError(t, repo.Save(ctx, in))

		out, err := repo.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "inst-42", out.InstanceID)
		assert.Equal(t, "topsecret", out.Secret)
		assert.True(t, out.Activated)
		assert.Equal(t, int64(3), out.ActivationEpoch)
		require.NotNil(t, out.ContractStart)
		assert.Equal(t, start, *out.ContractStart)
		require.NotNil(t, out.ContractEnd)
		assert.Equal(t, end, *out.ContractEnd)
		assert.Equal(t, in.LastStatusCheck, out.LastStatusCheck)
		assert.True(t, out.Features["callbacks"])
	})

	t.Run("secret encrypted at rest", func(t *testing.T) {
		db := setupTestDB(t)
		repo := NewDeploymentRepo(db, NewCipher("passphrase"))

		require.NoError(t, repo.Save(ctx, Deployment{Secret: "visible-secret"}))

		var stored string
		require.NoError(t, db.Reader.QueryRowContext(ctx,
			`SELECT secret FROM deployment WHERE id = 1`).Scan(&stored))
		assert.NotEqual(t, "visible-secret", stored)
		assert.NotContains(t, stored, "visible-secret")

		out, err := repo.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "visible-secret", out.Secret)
	})

	t.Run("set activated flag only", func(t *testing.T) {
		repo := NewDeploymentRepo(setupTestDB(t), nil)
		require.NoError(t, repo.Save(ctx, Deployment{InstanceID: "i", Secret: "s", Activated: true}))

		require.NoError(t, repo.SetActivated(ctx, false))

		out, err := repo.Get(ctx)
		require.NoError(t, err)
		assert.False(t, out.Activated)
		assert.Equal(t, "i", out.InstanceID)
		assert.Equal(t, "s", out.Secret)
	})

	t.Run("touch status check", func(t *testing.T) {
		repo := NewDeploymentRepo(setupTestDB(t), nil)
		require.NoError(t, repo.Save(ctx, Deployment{}))

		at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
		require.NoError(t, repo.TouchStatusCheck(ctx, at))

		out, err := repo.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, at, out.LastStatusCheck)
	})
}

func TestCipher(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c := NewCipher("hunter2")
		enc, err := c.Encrypt("plaintext value")
		require.NoError(t, err)
		assert.NotEqual(t, "plaintext value", enc)

		dec, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, "plaintext value", dec)
	})

	t.Run("nil cipher passes through", func(t *testing.T) {
		c := NewCipher("")
		require.Nil(t, c)

		enc, err := c.Encrypt("raw")
		require.NoError(t, err)
		assert.Equal(t, "raw", enc)

		dec, err := c.Decrypt("raw")
		require.NoError(t, err)
		assert.Equal(t, "raw", dec)
	})

	t.Run("wrong passphrase fails to decrypt", func(t *testing.T) {
		enc, err := NewCipher("right").Encrypt("value")
		require.NoError(t, err)

		_, err = NewCipher("wrong").Decrypt(enc)
		assert.Error(t, err)
	})
}
