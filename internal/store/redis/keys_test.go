package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "keel:definition:net-dns", DefinitionKey("net-dns"))
	assert.Equal(t, "keel:fault:1234", FaultKey("1234"))

	name, err := ExtractName(DefinitionKey("net-dns"))
	require.NoError(t, err)
	assert.Equal(t, "net-dns", name)

	for _, bad := range []string{"", "keel:definition:", "jump:service:x", "keel:fault:x"} {
		_, err := ExtractName(bad)
		assert.Error(t, err, bad)
	}
}
