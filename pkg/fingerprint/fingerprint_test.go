package fingerprint

import (
	"errors"
	"strings"
	"testing"

	"lessond/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfIsDeterministic(t *testing.T) {
	content := []byte(`{"title":"Intro"}`)
	assert.Equal(t, Of(content), Of(content))
	assert.True(t, Of(content).Equal(Of([]byte(`{"title":"Intro"}`))))
}

func TestOfDistinguishesContent(t *testing.T) {
	assert.NotEqual(t, Of([]byte(`{"title":"Intro"}`)), Of([]byte(`{"title":"Intro 2"}`)))
	// Whitespace is significant: fingerprints cover exact bytes.
	assert.NotEqual(t, Of([]byte(`{"title":"Intro"}`)), Of([]byte(`{"title": "Intro"}`)))
}

func TestOfEmpty(t *testing.T) {
	fp := Of(nil)
	assert.Len(t, fp.String(), Size)
	assert.Equal(t, fp, Of([]byte{}))
	// Known SHA-512 of the empty string.
	assert.True(t, strings.HasPrefix(fp.String(), "cf83e1357eefb8bdf1542850d66d8007"))
}

func TestParse(t *testing.T) {
	fp := Of([]byte("x"))
	parsed, err := Parse(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	for _, bad := range []string{"", "abc", strings.ToUpper(fp.String()), strings.Repeat("g", Size)} {
		_, err := Parse(bad)
		assert.True(t, errors.Is(err, apperr.ErrInvalidFingerprint), "expected InvalidFingerprint for %q", bad)
	}
}
