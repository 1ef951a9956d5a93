package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReturnsConfiguredAddresses(t *testing.T) {
	r := NewStatic(map[string][]string{"web": {"10.0.0.1:80", "10.0.0.2:80"}})
	addrs, err := r.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80"}, addrs)
}

func TestResolveUnknownGroupFails(t *testing.T) {
	r := NewStatic(nil)
	_, err := r.Resolve("missing")
	assert.Error(t, err, "expected an error resolving an unregistered group")
}

func TestResolveEmptyAddressListFails(t *testing.T) {
	r := NewStatic(map[string][]string{"empty": {}})
	_, err := r.Resolve("empty")
	assert.Error(t, err, "expected an error resolving a group with zero addresses")
}

func TestSetReplacesGroupMembership(t *testing.T) {
	r := NewStatic(map[string][]string{"web": {"10.0.0.1:80"}})
	r.Set("web", []string{"10.0.0.9:80"})
	addrs, err := r.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.9:80"}, addrs)
}
