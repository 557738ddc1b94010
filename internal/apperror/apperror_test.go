package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusMapping(t *testing.T) {
	tests := map[Code]int{
		MissingField:    http.StatusBadRequest,
		InvalidField:    http.StatusBadRequest,
		ValidationError: http.StatusUnprocessableEntity,
		Duplicate:       http.StatusConflict,
		Unsupported:     http.StatusUnsupportedMediaType,
		NotFound:        http.StatusNotFound,
		EmbeddingFailed: http.StatusBadGateway,
		Internal:        http.StatusInternalServerError,
		Code("Bogus"):   http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, New(code, "x").Status(), code)
	}
}

func TestFromClassifies(t *testing.T) {
	assert.Nil(t, From(nil))

	dup := DuplicateOf("bafy", 1)
	wrapped := fmt.Errorf("ingest: %w", dup)
	assert.Same(t, dup, From(wrapped))
	assert.True(t, Is(wrapped, Duplicate))

	raw := errors.New("disk on fire")
	got := From(raw)
	assert.Equal(t, Internal, got.Code)
	assert.ErrorIs(t, got, raw)
}

func TestDuplicateRecoveryHints(t *testing.T) {
	exact := DuplicateOf("a", 1)
	near := DuplicateOf("b", 0.97)
	assert.Equal(t, "a", exact.Details["cid"])
	assert.Equal(t, 0.97, near.Details["similarity"])
	assert.NotEqual(t, exact.Recovery, near.Recovery)
}
