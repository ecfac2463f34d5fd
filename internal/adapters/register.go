// Package adapters wires built-in drivers into the engine and queue registries.
package adapters

import (
	"sync"

	"github.com/coachpo/sqs-entity-resolution/internal/adapters/memengine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/engine"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/queue"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/queue/natsqueue"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/queue/sqsqueue"
)

var registerOnce sync.Once

// RegisterAll installs every built-in engine driver and queue transport.
// External engine bindings register themselves with engine.Register.
func RegisterAll() {
	registerOnce.Do(func() {
		engine.Register(memengine.DriverName, memengine.Factory)
		queue.Register(sqsqueue.DriverName, sqsqueue.Factory)
		queue.Register(natsqueue.DriverName, natsqueue.Factory)
	})
}
