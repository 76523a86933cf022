package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todosQuery(done bool) IRObject {
	return O("todos", O("$", O("where", O("done", IRBool(done)))))
}

func TestQueryHashDeterminism(t *testing.T) {
	h1, err := QueryHash(todosQuery(false))
	require.NoError(t, err)
	h2, err := QueryHash(todosQuery(false))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64, "BLAKE3-256 hex is 64 characters")
}

func TestQueryHashIgnoresKeyOrder(t *testing.T) {
	a := IRObject{"todos": IRObject{}, "users": IRObject{}}
	b := IRObject{"users": IRObject{}, "todos": IRObject{}}

	assert.Equal(t, MustQueryHash(a), MustQueryHash(b))
}

func TestQueryHashChangesWithQuery(t *testing.T) {
	assert.NotEqual(t, MustQueryHash(todosQuery(false)), MustQueryHash(todosQuery(true)))
	assert.NotEqual(t, MustQueryHash(O("todos", IRObject{})), MustQueryHash(O("users", IRObject{})))
}

func TestQueryHashDomainSeparation(t *testing.T) {
	data := []byte(`{"todos":{}}`)
	assert.NotEqual(t, hashWithDomain(DomainQuery, data), hashWithDomain("other/v1", data))
}
