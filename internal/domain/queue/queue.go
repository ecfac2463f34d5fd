// Package queue defines the at-least-once message transport contract.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrEmpty is returned by Receive when no message arrived within the wait time.
var ErrEmpty = errors.New("queue: no message available")

// Message is one delivery of a queued record.
type Message struct {
	// ID is the transport's message identifier.
	ID string
	// AckToken is the opaque handle required to ack or release this delivery.
	AckToken string
	Body     []byte
	// ReceiveCount is the approximate number of deliveries including this one.
	ReceiveCount int
}

// Queue pulls one message at a time. A received message stays invisible to
// other consumers until it is acked, released, or its visibility timeout expires.
type Queue interface {
	// Receive long-polls for up to wait and returns ErrEmpty if nothing arrives.
	Receive(ctx context.Context, wait time.Duration) (Message, error)
	// Ack deletes the message permanently.
	Ack(ctx context.Context, msg Message) error
	// Release makes the message visible for immediate redelivery.
	Release(ctx context.Context, msg Message) error
	Close() error
}

// Settings carries transport configuration.
type Settings struct {
	URL               string
	Stream            string
	Subject           string
	Durable           string
	MaxDeliver        int
	VisibilityTimeout time.Duration
	Region            string
	EndpointURL       string
}

// Factory opens a queue from settings.
type Factory func(ctx context.Context, settings Settings) (Queue, error)

var (
	factories = make(map[string]Factory)
	factoryMu sync.RWMutex
)

// Register makes a transport available under name.
func Register(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Drivers lists the registered transport names.
func Drivers() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open constructs a queue through the named transport.
func Open(ctx context.Context, driver string, settings Settings) (Queue, error) {
	key := strings.ToLower(strings.TrimSpace(driver))
	factoryMu.RLock()
	factory, ok := factories[key]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown queue driver %q (registered: %s)", driver, strings.Join(Drivers(), ", "))
	}
	q, err := factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("open queue %q: %w", key, err)
	}
	return q, nil
}
