package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode_Category(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code Code
		want string
	}{
		{CodeInvalidRole, "VAL"},
		{CodeTokenExpired, "AUTH"},
		{CodeSubjectNotFound, "NF"},
		{CodeConfiguration, "INT"},
		{CodeKeySetFetch, "UNAVAIL"},
		{Code("NOPREFIX"), "NOPREFIX"},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.code.Category())
		})
	}
}

func TestError_Error(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "VAL_101: invalid role", InvalidRole("admin").Error())

	err := Wrap(errors.New("connection refused"), CodeTransient, "identity provider unreachable")
	assert.Equal(t, "UNAVAIL_001: identity provider unreachable: connection refused", err.Error())
}

func TestError_HTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{"invalid role", InvalidRole("x"), http.StatusBadRequest},
		{"unauthorized", Unauthorized("no token"), http.StatusUnauthorized},
		{"expired", New(CodeTokenExpired, "expired"), http.StatusUnauthorized},
		{"not found", New(CodeNotFound, "no such route"), http.StatusNotFound},
		{"subject not found", New(CodeSubjectNotFound, "unknown subject"), http.StatusBadGateway},
		{"config", Config("secret missing"), http.StatusInternalServerError},
		{"transient", Transient("provider 503"), http.StatusBadGateway},
		{"key set", New(CodeKeySetFetch, "jwks"), http.StatusBadGateway},
		{"unknown category", New(Code("ZZZ_001"), "?"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestError_WithDetailDoesNotMutate(t *testing.T) {
	t.Parallel()
	base := Transient("provider failed")
	withStatus := base.WithDetail("status", 503)

	assert.Nil(t, base.Details)
	assert.Equal(t, 503, withStatus.Details["status"])
	assert.Equal(t, base.Code, withStatus.Code)
}

func TestError_Format(t *testing.T) {
	t.Parallel()
	err := Wrap(errors.New("eof"), CodeKeySetFetch, "fetch failed").WithDetail("issuer", "https://a")

	assert.Equal(t, err.Error(), fmt.Sprintf("%v", err))
	assert.Equal(t, fmt.Sprintf("%q", err.Error()), fmt.Sprintf("%q", err))
	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, `Code: "UNAVAIL_101"`)
	assert.Contains(t, detailed, "issuer")
	assert.Contains(t, detailed, "Cause: eof")
}

func TestWrap_Nil(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Wrap(nil, CodeInternal, "x"))
	assert.Nil(t, Wrapf(nil, CodeInternal, "x %d", 1))
	assert.Nil(t, FromError(nil))
}

func TestFromError(t *testing.T) {
	t.Parallel()
	typed := InvalidToken("bad signature")
	assert.Same(t, typed, FromError(fmt.Errorf("verify: %w", typed)))

	foreign := FromError(errors.New("boom"))
	require.NotNil(t, foreign)
	assert.Equal(t, CodeInternal, foreign.Code)
	assert.NotContains(t, foreign.Message, "boom")
}

func TestChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"invalid role is validation", InvalidRole("x"), IsValidation, true},
		{"invalid role", InvalidRole("x"), IsInvalidRole, true},
		{"generic validation is not invalid role", Validation("x"), IsInvalidRole, false},
		{"expired is invalid token", New(CodeTokenExpired, "x"), IsInvalidToken, true},
		{"unauthorized is not invalid token", Unauthorized("x"), IsInvalidToken, false},
		{"invalid token is unauthorized category", InvalidToken("x"), IsUnauthorized, true},
		{"subject not found", New(CodeSubjectNotFound, "x"), IsNotFound, true},
		{"config", Config("x"), IsConfig, true},
		{"config is internal", Config("x"), IsInternal, true},
		{"transient", Transient("x"), IsTransient, true},
		{"key set fetch is retryable", New(CodeKeySetFetch, "x"), IsRetryable, true},
		{"config is not retryable", Config("x"), IsRetryable, false},
		{"wrapped transient", fmt.Errorf("write: %w", Transient("x")), IsTransient, true},
		{"joined", errors.Join(errors.New("a"), NotFound("b")), IsNotFound, true},
		{"plain error", errors.New("x"), IsTransient, false},
		{"nil", nil, IsValidation, false},
		{"client error", InvalidRole("x"), IsClientError, true},
		{"server error is not client error", Transient("x"), IsClientError, false},
		{"plain error is not client error", errors.New("x"), IsClientError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestGetCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CodeTimeout, GetCode(New(CodeTimeout, "x")))
	assert.Equal(t, Code(""), GetCode(errors.New("x")))
	assert.True(t, HasCode(InvalidRole("x"), CodeInvalidRole))
}
