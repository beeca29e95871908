package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKeyIsTenantPrefixed(t *testing.T) {
	assert.Equal(t, "1/b1~abc123", objectKey(1, "b1~abc123"))
	assert.Equal(t, "2/b1~abc123", objectKey(2, "b1~abc123"))
}

func TestObjectKeyDistinguishesTenants(t *testing.T) {
	assert.NotEqual(t, objectKey(1, "b1~same"), objectKey(2, "b1~same"))
}
