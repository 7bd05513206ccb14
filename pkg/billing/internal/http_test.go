package internal

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader("sale_id=1"))
	body, err := ReadBody(w, r, 64)
	require.NoError(t, err)
	assert.Equal(t, "sale_id=1", string(body))

	r = httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("a", 65)))
	_, err = ReadBody(w, r, 64)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	r = httptest.NewRequest("POST", "/", strings.NewReader(""))
	_, err = ReadBody(w, r, 64)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, 202, map[string]bool{"ok": true}))
	assert.Equal(t, 202, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}
