package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Unauthenticated("no token"), http.StatusUnauthorized},
		{Forbidden(CodeNotMember, "not a member"), http.StatusForbidden},
		{Invalid(CodeEmptyText, "text is empty"), http.StatusBadRequest},
		{NotFound("conversation not found"), http.StatusNotFound},
		{Conflict("exists"), http.StatusConflict},
		{RateLimited("slow down"), http.StatusTooManyRequests},
		{errors.New("disk full"), http.StatusInternalServerError},
		{fmt.Errorf("send: %w", Forbidden(CodeNotSender, "nope")), http.StatusForbidden},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestFromHidesInternalCause(t *testing.T) {
	cause := errors.New("database is locked")
	got := From(fmt.Errorf("append: %w", cause))

	require.NotNil(t, got)
	assert.Equal(t, CodeServerError, got.Code)
	assert.Equal(t, "internal server error", got.Message)
	assert.ErrorIs(t, got, cause)
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Forbidden(CodeNotOwner, "only the owner may rename"))
	assert.True(t, errors.Is(err, &Error{Code: CodeNotOwner}))
	assert.False(t, errors.Is(err, &Error{Code: CodeNotMember}))
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, Forbidden(CodeNotMember, "not a member of this conversation"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"NOT_MEMBER","message":"not a member of this conversation"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	WriteHTTP(rec, errors.New("disk full"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"SERVER_ERROR","message":"internal server error"}`, rec.Body.String())
}
