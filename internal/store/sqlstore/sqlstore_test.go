package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDialect(t *testing.T) {
	pg, err := NewDialect("postgres", "")
	require.NoError(t, err)
	assert.Equal(t, "convert_from(maddr.email, 'LATIN1')", pg.AddressText("maddr.email"))
	assert.Equal(t, "ILIKE", pg.Like())

	utf, err := NewDialect("postgres", "UTF8")
	require.NoError(t, err)
	assert.Equal(t, "convert_from(e, 'UTF8')", utf.AddressText("e"))

	lite, err := NewDialect("sqlite", "LATIN1")
	require.NoError(t, err)
	assert.Equal(t, "maddr.email", lite.AddressText("maddr.email"))
	assert.Equal(t, "LIKE", lite.Like())

	_, err = NewDialect("postgres", "LATIN1'); DROP TABLE msgs; --")
	assert.Error(t, err)
	_, err = NewDialect("mysql", "")
	assert.Error(t, err)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_off\\`, escapeLike(`100%_off\`))
}
