package adapters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
)

func TestRegisterAll(t *testing.T) {
	RegisterAll()
	RegisterAll()
	require.Contains(t, engine.Drivers(), "memory")
	require.Contains(t, queue.Drivers(), "sqs")
	require.Contains(t, queue.Drivers(), "nats")
}
