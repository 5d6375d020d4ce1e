package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyWithoutParams(t *testing.T) {
	assert.Equal(t, "transactions", Key("transactions", nil))
	assert.Equal(t, "transactions", Key("transactions", map[string]string{}))
}

func TestKeySortsParams(t *testing.T) {
	key := Key("transactions", map[string]string{
		"status": "pending",
		"agency": "42",
		"month":  "2024-06",
	})

	assert.Equal(t, "transactions?agency=42&month=2024-06&status=pending", key)
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("reports", map[string]string{"year": "2024", "type": "quarterly"})
	b := Key("reports", map[string]string{"type": "quarterly", "year": "2024"})

	assert.Equal(t, a, b)
}

func TestKeyDistinguishesParams(t *testing.T) {
	a := Key("reports", map[string]string{"year": "2024"})
	b := Key("reports", map[string]string{"year": "2025"})

	assert.NotEqual(t, a, b)
}
