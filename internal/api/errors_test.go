package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesSentinelThroughWrapping(t *testing.T) {
	base := NewIntegrityError("resolve", "cycle detected: %s", "a -> b -> a")
	wrapped := fmt.Errorf("execution order: %w", base)

	assert.True(t, errors.Is(wrapped, ErrIntegrity))
	assert.False(t, errors.Is(wrapped, ErrTimeout))
	assert.True(t, IsKind(wrapped, KindIntegrity))
	assert.Equal(t, KindIntegrity, KindOf(wrapped))
	assert.Equal(t, "resolve: cycle detected: a -> b -> a", base.Error())
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := NewTransientError("install", cause, "package %s", "pkg1")

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "install: package pkg1: exit status 1", err.Error())
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsKind(errors.New("plain"), ErrorKind("bogus")))
}

func TestResult_From(t *testing.T) {
	ok := From("env.create", map[string]string{"id": "env-1"}, nil)
	assert.True(t, ok.Succeeded())
	assert.Nil(t, ok.Error)

	failed := From("env.create", nil, NewResourceExhaustedError("create", "limit of %d reached", 2))
	assert.False(t, failed.Succeeded())
	assert.Equal(t, StatusError, failed.Status)
	assert.Equal(t, KindResourceExhausted, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "limit of 2 reached")
}
