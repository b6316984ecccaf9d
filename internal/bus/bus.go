// Package bus is the in-process agent-to-agent message bus: named agents
// with capabilities, per-agent bounded queues, request/response correlation
// with timeouts, and broadcast. Messages live in memory only.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"relay/internal/logging"
)

// Handler processes one inbound message. Query and Command handlers are
// expected to answer via SendResponse.
type Handler func(ctx context.Context, msg *Message) error

// TimeoutError reports that a pending response did not arrive in time.
type TimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response for correlation %s within %s", e.CorrelationID, e.Timeout)
}

// UnknownRecipientError reports a send to an unregistered agent.
type UnknownRecipientError struct {
	Agent string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("agent %q is not registered", e.Agent)
}

// AgentInfo is the public view of one registration.
type AgentInfo struct {
	AgentID      string       `json:"agent_id"`
	AgentType    string       `json:"agent_type"`
	Capabilities []Capability `json:"capabilities"`
	QueueDepth   int          `json:"queue_depth"`
}

type registration struct {
	info    AgentInfo
	handler Handler
	queue   chan *Message
}

const defaultQueueSize = 64

// Bus routes messages between registered agents. One mutex guards the
// registry and the pending-future map; queues are plain channels so
// Receive blocks without holding the lock.
type Bus struct {
	mu        sync.Mutex
	agents    map[string]*registration
	pending   map[string]chan *Message
	abandoned map[string]struct{} // correlations whose waiter timed out or canceled

	queueSize   int
	logger      logging.Logger
	history     []Message
	historyCap  int
	historyNext int
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithQueueSize overrides the per-agent queue capacity (default 64).
// Sends to a full queue fail rather than block.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithHistory keeps the last n delivered messages in a ring buffer for
// debugging. Zero disables history.
func WithHistory(n int) Option {
	return func(b *Bus) { b.historyCap = n }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		agents:    make(map[string]*registration),
		pending:   make(map[string]chan *Message),
		abandoned: make(map[string]struct{}),
		queueSize: defaultQueueSize,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.historyCap > 0 {
		b.history = make([]Message, 0, b.historyCap)
	}
	return b
}

var (
	defaultBusMu sync.Mutex
	defaultBus   *Bus
)

// DefaultBus returns the process-wide bus, creating it on first use.
func DefaultBus() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()
	if defaultBus == nil {
		defaultBus = NewBus()
	}
	return defaultBus
}

// SetDefaultBus replaces the process-wide bus; tests use this to isolate.
func SetDefaultBus(b *Bus) {
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// RegisterAgent adds an agent with its own inbound queue. Duplicate ids
// are an error; Broadcast is reserved.
func (b *Bus) RegisterAgent(agentID, agentType string, caps []Capability, handler Handler) error {
	if agentID == "" || agentID == Broadcast {
		return fmt.Errorf("invalid agent id %q", agentID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.agents[agentID]; exists {
		return fmt.Errorf("agent %q already registered", agentID)
	}
	b.agents[agentID] = &registration{
		info: AgentInfo{
			AgentID:      agentID,
			AgentType:    agentType,
			Capabilities: append([]Capability(nil), caps...),
		},
		handler: handler,
		queue:   make(chan *Message, b.queueSize),
	}
	b.logger.Debug("registered agent %s (%s)", agentID, agentType)
	return nil
}

// UnregisterAgent removes the agent and its queue atomically. Unknown ids
// are a no-op.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	delete(b.agents, agentID)
	b.mu.Unlock()
}

// Send validates the recipient, fills generated fields, and enqueues.
// Broadcast delivers to every agent except the sender. A Response resolves
// the waiter for its correlation id; a response whose waiter already gave
// up is dropped, and one that never had a waiter enqueues normally so
// plain Send/Receive requesters still get their answer.
func (b *Bus) Send(msg *Message) error {
	msg.normalize()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(msg)

	if msg.Type == TypeResponse {
		if future, ok := b.pending[msg.CorrelationID]; ok {
			delete(b.pending, msg.CorrelationID)
			future <- msg // buffered, never blocks
			return nil
		}
		if _, gone := b.abandoned[msg.CorrelationID]; gone {
			delete(b.abandoned, msg.CorrelationID)
			b.logger.Debug("dropping late response %s (correlation %s)", msg.MessageID, msg.CorrelationID)
			return nil
		}
	}

	if msg.ToAgent == Broadcast {
		for agentID, reg := range b.agents {
			if agentID == msg.FromAgent {
				continue
			}
			b.enqueueLocked(reg, msg)
		}
		return nil
	}

	reg, ok := b.agents[msg.ToAgent]
	if !ok {
		return &UnknownRecipientError{Agent: msg.ToAgent}
	}
	if !b.enqueueLocked(reg, msg) {
		return fmt.Errorf("queue full for agent %q", msg.ToAgent)
	}
	return nil
}

// enqueueLocked delivers without blocking; a full queue drops the message
// for broadcast and fails the send for direct messages.
func (b *Bus) enqueueLocked(reg *registration, msg *Message) bool {
	select {
	case reg.queue <- msg:
		return true
	default:
		b.logger.Warn("queue full, dropping message %s for %s", msg.MessageID, reg.info.AgentID)
		return false
	}
}

// SendAndWait sends a message and blocks until a Response with the same
// correlation id arrives, the timeout fires, or ctx is canceled. On
// timeout the pending entry is removed so a late response is dropped.
func (b *Bus) SendAndWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	msg.normalize()

	future := make(chan *Message, 1)
	b.mu.Lock()
	b.pending[msg.CorrelationID] = future
	b.mu.Unlock()

	// An abandoned correlation marks the eventual late response for
	// dropping; the mark clears when that response arrives.
	cancelWait := func() {
		b.mu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.abandoned[msg.CorrelationID] = struct{}{}
		b.mu.Unlock()
	}

	if err := b.Send(msg); err != nil {
		// Nothing was delivered, so no response is coming: just forget.
		b.mu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-future:
		return resp, nil
	case <-timer.C:
		cancelWait()
		return nil, &TimeoutError{CorrelationID: msg.CorrelationID, Timeout: timeout}
	case <-ctx.Done():
		cancelWait()
		return nil, ctx.Err()
	}
}

// SendResponse answers an inbound message: from/to swapped, correlation id
// inherited, reply_to set. A waiting future is resolved directly;
// otherwise the response is queued to the original sender.
func (b *Bus) SendResponse(original *Message, payload map[string]any) error {
	resp := &Message{
		FromAgent:     original.ToAgent,
		ToAgent:       original.FromAgent,
		Type:          TypeResponse,
		Payload:       payload,
		CorrelationID: original.CorrelationID,
		ReplyTo:       original.MessageID,
		Priority:      original.Priority,
	}
	return b.Send(resp)
}

// Receive blocks on the agent's queue until a message arrives or ctx is
// canceled.
func (b *Bus) Receive(ctx context.Context, agentID string) (*Message, error) {
	b.mu.Lock()
	reg, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, &UnknownRecipientError{Agent: agentID}
	}

	select {
	case msg := <-reg.queue:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartListener runs the agent's receive/dispatch loop until ctx is
// canceled. Handler panics and errors are caught and logged; when the
// inbound message was a Query or Command, the sender gets an error
// Response so its SendAndWait does not hang until timeout.
func (b *Bus) StartListener(ctx context.Context, agentID string) error {
	b.mu.Lock()
	reg, ok := b.agents[agentID]
	b.mu.Unlock()
	if !ok {
		return &UnknownRecipientError{Agent: agentID}
	}

	go func() {
		for {
			msg, err := b.Receive(ctx, agentID)
			if err != nil {
				return // ctx canceled or agent unregistered
			}
			b.dispatch(ctx, reg, msg)
		}
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, reg *registration, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler for %s panicked on %s: %v", reg.info.AgentID, msg.MessageID, r)
			b.answerWithError(msg, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if reg.handler == nil {
		return
	}
	if err := reg.handler(ctx, msg); err != nil {
		b.logger.Warn("handler for %s failed on %s: %v", reg.info.AgentID, msg.MessageID, err)
		b.answerWithError(msg, err.Error())
	}
}

func (b *Bus) answerWithError(msg *Message, reason string) {
	if msg.Type != TypeQuery && msg.Type != TypeCommand {
		return
	}
	_ = b.SendResponse(msg, map[string]any{
		"status": "error",
		"error":  reason,
	})
}

// FindAgentByCapability returns a stable match: the lexicographically
// first agent id advertising the capability.
func (b *Bus) FindAgentByCapability(cap Capability) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.agents))
	for agentID := range b.agents {
		ids = append(ids, agentID)
	}
	sort.Strings(ids)

	for _, agentID := range ids {
		for _, c := range b.agents[agentID].info.Capabilities {
			if c == cap {
				return agentID, true
			}
		}
	}
	return "", false
}

// AgentInfo returns the registration view for one agent.
func (b *Bus) AgentInfo(agentID string) (AgentInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, ok := b.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	info := reg.info
	info.QueueDepth = len(reg.queue)
	return info, true
}

// AllAgents lists every registration sorted by agent id.
func (b *Bus) AllAgents() []AgentInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]AgentInfo, 0, len(b.agents))
	for _, reg := range b.agents {
		info := reg.info
		info.QueueDepth = len(reg.queue)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// PendingCount reports outstanding SendAndWait futures.
func (b *Bus) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// record appends to the history ring. Caller holds the lock.
func (b *Bus) record(msg *Message) {
	if b.historyCap == 0 {
		return
	}
	if len(b.history) < b.historyCap {
		b.history = append(b.history, *msg)
		return
	}
	b.history[b.historyNext] = *msg
	b.historyNext = (b.historyNext + 1) % b.historyCap
}

// History returns the retained messages, oldest first.
func (b *Bus) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.history))
	out = append(out, b.history[b.historyNext:]...)
	out = append(out, b.history[:b.historyNext]...)
	return out
}
