package server

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerWiresEveryComponentWithoutDialingAMQP(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSigningKey = "test-signing-key"

	s := NewServer(cfg, zerolog.Nop())

	require.NotNil(t, s)
	assert.NotNil(t, s.dispatcher)
	assert.NotNil(t, s.sweeper)
	assert.NotNil(t, s.reaper)
	assert.NotNil(t, s.reporter)
	assert.NotNil(t, s.admin)
	assert.Nil(t, s.dispatcher.conn, "NewServer must not connect until Run is called")
}

func TestServerCloseDelegatesToDispatcher(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSigningKey = "test-signing-key"
	s := NewServer(cfg, zerolog.Nop())

	assert.NoError(t, s.Close())
}
