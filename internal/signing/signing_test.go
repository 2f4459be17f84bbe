package signing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret(t *testing.T) {
	t.Run("generates distinct secrets", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			secret, err := GenerateSecret()
			require.NoError(t, err)
			assert.False(t, seen[secret], "secret collision")
			seen[secret] = true
		}
	})

	t.Run("no padding and url safe", func(t *testing.T) {
		secret, err := GenerateSecret()
		require.NoError(t, err)
		assert.NotContains(t, secret, "=")
		assert.NotContains(t, secret, "+")
		assert.NotContains(t, secret, "/")
		assert.GreaterOrEqual(t, len(secret), 40)
	})
}

func TestSign(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		payload string
	}{
		{"simple payload", "topsecret", `{"a":1}`},
		{"empty payload", "topsecret", ""},
		{"timestamp payload", "topsecret", "1735689600"},
		{"json array", "another-secret", `[{"event_id":"e1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Sign(tt.secret, []byte(tt.payload))

			// Hex SHA-256 output is always 64 chars
			assert.Len(t, sig, 64)
			assert.Equal(t, strings.ToLower(sig), sig)

			// Deterministic
			assert.Equal(t, sig, Sign(tt.secret, []byte(tt.payload)))

			// Sensitive to both inputs
			assert.NotEqual(t, sig, Sign(tt.secret+"x", []byte(tt.payload)))
			assert.NotEqual(t, sig, Sign(tt.secret, []byte(tt.payload+"x")))
		})
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`[{"event_id":"abc"}]`)
	sig := Sign("secret", payload)

	assert.True(t, Verify("secret", payload, sig))
	assert.False(t, Verify("wrong", payload, sig))
	assert.False(t, Verify("secret", []byte("tampered"), sig))
	assert.False(t, Verify("secret", payload, "not-hex!"))
	assert.False(t, Verify("secret", payload, ""))
}
