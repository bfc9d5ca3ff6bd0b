package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnHashIsStableForSameInput(t *testing.T) {
	a := connHash("jdbc:mysql://host:3306/db", "alice")
	b := connHash("jdbc:mysql://host:3306/db", "alice")

	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestConnHashDiffersByURLOrUser(t *testing.T) {
	base := connHash("jdbc:mysql://host:3306/db", "alice")

	assert.NotEqual(t, base, connHash("jdbc:mysql://other:3306/db", "alice"))
	assert.NotEqual(t, base, connHash("jdbc:mysql://host:3306/db", "bob"))
}
