package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", Unauthorized("bad secret"), http.StatusUnauthorized},
		{"not found", NotFound("agent not found"), http.StatusNotFound},
		{"validation", Validation("invalid target_type"), http.StatusBadRequest},
		{"conflict", Conflict("name exists"), http.StatusConflict},
		{"range", RangeNotSatisfiable("invalid range"), http.StatusRequestedRangeNotSatisfiable},
		{"too large", TooLarge("file too large"), http.StatusRequestEntityTooLarge},
		{"internal", Internal("db failed", errors.New("disk I/O")), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("load: %w", NotFound("task not found")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicMessageHidesInternalCause(t *testing.T) {
	err := Internal("failed to persist agent", errors.New("database is locked"))
	if got := PublicMessage(err); got != "internal server error" {
		t.Fatalf("unexpected public message: %q", got)
	}
	if !errors.Is(err, err.(*Error).Err) {
		t.Fatal("expected cause to be unwrappable")
	}
	if got := PublicMessage(Validation("priority must be >= 0")); got != "priority must be >= 0" {
		t.Fatalf("unexpected public message: %q", got)
	}
}

func TestWrapKeepsDomainKinds(t *testing.T) {
	require.NoError(t, Wrap("op", nil))

	nf := NotFound("Agent not found")
	require.Same(t, nf, Wrap("op", nf))

	wrapped := Wrap("load agent", fmt.Errorf("query: %w", nf))
	require.True(t, Is(wrapped, KindNotFound))

	cause := errors.New("disk I/O error")
	internal := Wrap("load agent", cause)
	require.True(t, Is(internal, KindInternal))
	require.ErrorIs(t, internal, cause)
	require.Equal(t, "internal server error", PublicMessage(internal))
}
