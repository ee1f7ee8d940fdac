package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/marketplace/internal/domain/payment"
)

func TestAddressJSON(t *testing.T) {
	a := payment.Address{
		Name:       "Ada Lovelace",
		Line1:      "12 Analytical Row",
		City:       "London",
		PostalCode: "N1 9GU",
		Country:    "GB",
	}

	data := encodeAddress(a)
	assert.JSONEq(t, `{"name":"Ada Lovelace","line1":"12 Analytical Row","city":"London","postalCode":"N1 9GU","country":"GB"}`, string(data))

	got, err := decodeAddress(data)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestDecodeAddress(t *testing.T) {
	got, err := decodeAddress([]byte(`{"city":"Paris","extra":{"nested":true}}`))
	require.NoError(t, err)
	assert.Equal(t, payment.Address{City: "Paris"}, got)

	got, err = decodeAddress(nil)
	require.NoError(t, err)
	assert.Equal(t, payment.Address{}, got)

	_, err = decodeAddress([]byte(`{"city":1}`))
	require.Error(t, err)
}
