// Package id produces prefixed identifiers for sessions, tasks, and bus
// messages.
package id

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Strategy identifies the identifier generation algorithm to use.
type Strategy int

const (
	// StrategyKSUID generates lexicographically sortable identifiers using KSUID.
	StrategyKSUID Strategy = iota
	// StrategyUUIDv7 generates time-ordered identifiers using UUID version 7.
	StrategyUUIDv7
)

var defaultGenerator = &Generator{strategy: StrategyKSUID}

// Generator produces identifiers with a stable display prefix.
type Generator struct {
	mu       sync.RWMutex
	strategy Strategy
}

// SetStrategy configures the generation strategy for the default generator.
func SetStrategy(strategy Strategy) {
	defaultGenerator.mu.Lock()
	defaultGenerator.strategy = strategy
	defaultGenerator.mu.Unlock()
}

// NewSessionID generates a new session identifier.
func NewSessionID() string { return defaultGenerator.newIdentifier("session") }

// NewTaskID generates a new task identifier.
func NewTaskID() string { return defaultGenerator.newIdentifier("task") }

// NewMessageID generates a new bus message identifier.
func NewMessageID() string { return defaultGenerator.newIdentifier("msg") }

// NewEventID generates a new session event identifier.
func NewEventID() string { return defaultGenerator.newIdentifier("evt") }

func (g *Generator) newIdentifier(prefix string) string {
	g.mu.RLock()
	strategy := g.strategy
	g.mu.RUnlock()

	switch strategy {
	case StrategyUUIDv7:
		v7, err := uuid.NewV7()
		if err != nil {
			// UUIDv7 only fails when the entropy source does; fall back
			// to the sortable default rather than returning an error.
			return fmt.Sprintf("%s_%s", prefix, ksuid.New().String())
		}
		return fmt.Sprintf("%s_%s", prefix, v7.String())
	default:
		return fmt.Sprintf("%s_%s", prefix, ksuid.New().String())
	}
}
