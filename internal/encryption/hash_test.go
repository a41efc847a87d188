package encryption

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testHasher(t *testing.T) *KeyHasher {
	t.Helper()
	h, err := NewKeyHasherWithCost(bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestNewKeyHasherWithCost(t *testing.T) {
	tests := []struct {
		name    string
		cost    int
		wantErr bool
	}{
		{"default", DefaultBcryptCost, false},
		{"min cost", bcrypt.MinCost, false},
		{"max cost", bcrypt.MaxCost, false},
		{"cost too low", bcrypt.MinCost - 1, true},
		{"cost too high", bcrypt.MaxCost + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewKeyHasherWithCost(tt.cost)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cost, h.bcryptCost)
		})
	}
	assert.Equal(t, DefaultBcryptCost, NewKeyHasher().bcryptCost)
}

func TestKeyHasher_HashAndVerify(t *testing.T) {
	h := testHasher(t)
	key := "ek_alpha_0123456789abcdef0123456789abcdef"

	hash, err := h.HashKey(key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, HashPrefix))
	assert.NotContains(t, hash, key)

	assert.NoError(t, h.VerifyKey(key, hash))
	assert.ErrorIs(t, h.VerifyKey("ek_alpha_ffffffffffffffffffffffffffffffff", hash), ErrHashMismatch)
	assert.ErrorIs(t, h.VerifyKey("", hash), ErrHashMismatch)
	assert.ErrorIs(t, h.VerifyKey(key, ""), ErrHashMismatch)
	assert.ErrorIs(t, h.VerifyKey(key, key), ErrInvalidHash, "plaintext storage is not accepted")

	_, err = h.HashKey("")
	assert.Error(t, err)
}

func TestKeyHasher_LongKeys(t *testing.T) {
	h := testHasher(t)
	long := "ek_" + strings.Repeat("a", 60) + "_" + strings.Repeat("0", 32)
	hash, err := h.HashKey(long)
	require.NoError(t, err)
	assert.NoError(t, h.VerifyKey(long, hash))
	assert.ErrorIs(t, h.VerifyKey(long[:len(long)-1]+"1", hash), ErrHashMismatch)
}

func TestKeyHasher_HashUniqueness(t *testing.T) {
	h := testHasher(t)
	a, err := h.HashKey("ek_alpha_00")
	require.NoError(t, err)
	b, err := h.HashKey("ek_alpha_00")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "bcrypt salts each hash")
}

func TestKeyHasher_LookupKey(t *testing.T) {
	h := testHasher(t)
	assert.Empty(t, h.LookupKey(""))
	a := h.LookupKey("ek_alpha_00")
	assert.Len(t, a, 64)
	assert.Equal(t, a, h.LookupKey("ek_alpha_00"))
	assert.NotEqual(t, a, h.LookupKey("ek_alpha_01"))
}

func TestIsHashed(t *testing.T) {
	assert.True(t, IsHashed(HashPrefix+"x"))
	assert.False(t, IsHashed(HashPrefix))
	assert.False(t, IsHashed("ek_alpha_00"))
}

func TestKeyHasher_Concurrency(t *testing.T) {
	h := testHasher(t)
	hash, err := h.HashKey("ek_alpha_00")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.VerifyKey("ek_alpha_00", hash))
		}()
	}
	wg.Wait()
}
