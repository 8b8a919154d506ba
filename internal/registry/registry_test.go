package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watzon/sellia/internal/registry"
)

func TestValidateSubdomainLengthBoundaries(t *testing.T) {
	r := registry.New()
	assert.ErrorIs(t, r.ValidateSubdomain("ab"), registry.ErrSubdomainInvalid)
	assert.NoError(t, r.ValidateSubdomain("abc"))
	assert.NoError(t, r.ValidateSubdomain(repeat("a", 63)))
	assert.ErrorIs(t, r.ValidateSubdomain(repeat("a", 64)), registry.ErrSubdomainInvalid)
}

func TestValidateSubdomainHyphenPlacement(t *testing.T) {
	r := registry.New()
	assert.ErrorIs(t, r.ValidateSubdomain("-ab"), registry.ErrSubdomainInvalid)
	assert.ErrorIs(t, r.ValidateSubdomain("ab-"), registry.ErrSubdomainInvalid)
	assert.ErrorIs(t, r.ValidateSubdomain("a--b"), registry.ErrSubdomainInvalid)
	assert.NoError(t, r.ValidateSubdomain("a-b"))
}

func TestValidateSubdomainReservedRejectsValidLookingName(t *testing.T) {
	r := registry.New()
	assert.ErrorIs(t, r.ValidateSubdomain("www"), registry.ErrSubdomainReserved)
}

func TestRegisterRequestedSubdomainIsCaseInsensitiveAndUnique(t *testing.T) {
	r := registry.New()
	t1, err := r.Register("client-a", "Foo", "")
	require.NoError(t, err)
	assert.Equal(t, "foo", t1.Subdomain)

	_, err = r.Register("client-b", "foo", "")
	assert.ErrorIs(t, err, registry.ErrSubdomainUnavailable)

	found, ok := r.FindBySubdomain("FOO")
	require.True(t, ok)
	assert.Equal(t, t1.ID, found.ID)
}

func TestRegisterRandomSubdomainValidatesAndIsUnique(t *testing.T) {
	r := registry.New()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		t1, err := r.Register("client", "", "")
		require.NoError(t, err)
		assert.NoError(t, r.ValidateSubdomain(t1.Subdomain))
		assert.False(t, seen[t1.Subdomain])
		seen[t1.Subdomain] = true
	}
}

func TestUnregisterByClientRemovesAllTunnelsAtomically(t *testing.T) {
	r := registry.New()
	t1, err := r.Register("client", "alpha", "")
	require.NoError(t, err)
	t2, err := r.Register("client", "beta", "")
	require.NoError(t, err)

	removed := r.UnregisterByClient("client")
	assert.Len(t, removed, 2)

	_, ok := r.FindBySubdomain(t1.Subdomain)
	assert.False(t, ok)
	_, ok = r.FindBySubdomain(t2.Subdomain)
	assert.False(t, ok)
	assert.Equal(t, 0, r.ActiveTunnelCount())
}

func TestUnregisterByIDFreesSubdomainForReuse(t *testing.T) {
	r := registry.New()
	t1, err := r.Register("client", "reuse", "")
	require.NoError(t, err)

	removed, ok := r.UnregisterByID(t1.ID)
	require.True(t, ok)
	assert.Equal(t, "reuse", removed.Subdomain)

	_, err = r.Register("client-2", "reuse", "")
	assert.NoError(t, err)
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
