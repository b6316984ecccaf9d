package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/jsonx"
)

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("worker", "test", nil, nil))
	assert.Error(t, b.RegisterAgent("worker", "test", nil, nil))
	assert.Error(t, b.RegisterAgent(Broadcast, "test", nil, nil))
}

func TestSendUnknownRecipient(t *testing.T) {
	b := NewBus()
	err := b.Send(&Message{FromAgent: "a", ToAgent: "ghost", Type: TypeEvent})

	var unknown *UnknownRecipientError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Agent)
}

func TestSendFillsGeneratedFields(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("sink", "test", nil, nil))

	msg := &Message{FromAgent: "a", ToAgent: "sink", Type: TypeEvent}
	require.NoError(t, b.Send(msg))

	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, msg.MessageID, msg.CorrelationID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestQueryResponseRoundtrip(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.RegisterAgent("echo", "test", []Capability{CapValidation},
		func(_ context.Context, msg *Message) error {
			return b.SendResponse(msg, map[string]any{
				"status": "ok",
				"echo":   msg.Payload["text"],
			})
		}))
	require.NoError(t, b.StartListener(ctx, "echo"))

	resp, err := b.SendAndWait(ctx, &Message{
		FromAgent: "caller",
		ToAgent:   "echo",
		Type:      TypeQuery,
		Payload:   map[string]any{"text": "ping"},
	}, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "ping", resp.Payload["echo"])
	assert.Equal(t, "caller", resp.ToAgent)
	assert.NotEmpty(t, resp.ReplyTo)
	assert.Equal(t, 0, b.PendingCount())
}

func TestSendAndWaitTimeoutCleansPendingMap(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("silent", "test", nil, nil))

	_, err := b.SendAndWait(context.Background(), &Message{
		FromAgent: "caller",
		ToAgent:   "silent",
		Type:      TypeQuery,
	}, 50*time.Millisecond)

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 0, b.PendingCount(), "timed-out future must be removed")
}

func TestLateResponseIsDropped(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("caller", "test", nil, nil))
	require.NoError(t, b.RegisterAgent("slow", "test", nil, nil))

	msg := &Message{FromAgent: "caller", ToAgent: "slow", Type: TypeQuery}
	_, err := b.SendAndWait(context.Background(), msg, 20*time.Millisecond)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)

	// The response arrives after the waiter gave up: no pending future
	// remains, so it is dropped rather than delivered to the caller.
	inbound, recvErr := b.Receive(context.Background(), "slow")
	require.NoError(t, recvErr)
	require.NoError(t, b.SendResponse(inbound, map[string]any{"status": "ok"}))
	assert.Equal(t, 0, b.PendingCount())

	info, ok := b.AgentInfo("caller")
	require.True(t, ok)
	assert.Zero(t, info.QueueDepth, "late response must not reach the caller's queue")
}

func TestResponseWithoutWaiterEnqueuesToSender(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("requester", "test", nil, nil))
	require.NoError(t, b.RegisterAgent("responder", "test", nil, nil))

	// The requester uses plain Send/Receive instead of SendAndWait.
	query := &Message{FromAgent: "requester", ToAgent: "responder", Type: TypeQuery}
	require.NoError(t, b.Send(query))

	inbound, err := b.Receive(context.Background(), "responder")
	require.NoError(t, err)
	require.NoError(t, b.SendResponse(inbound, map[string]any{"status": "ok"}))

	resp, err := b.Receive(context.Background(), "requester")
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, query.CorrelationID, resp.CorrelationID)
	assert.Equal(t, "ok", resp.Payload["status"])
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := NewBus()
	for _, agent := range []string{"a", "b", "c"} {
		require.NoError(t, b.RegisterAgent(agent, "test", nil, nil))
	}

	require.NoError(t, b.Send(&Message{FromAgent: "a", ToAgent: Broadcast, Type: TypeEvent}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, agent := range []string{"b", "c"} {
		msg, err := b.Receive(ctx, agent)
		require.NoError(t, err)
		assert.Equal(t, "a", msg.FromAgent)
	}

	info, ok := b.AgentInfo("a")
	require.True(t, ok)
	assert.Zero(t, info.QueueDepth, "sender must not receive its own broadcast")
}

func TestPerPairFIFO(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("sink", "test", nil, nil))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(&Message{
			FromAgent: "src",
			ToAgent:   "sink",
			Type:      TypeEvent,
			Payload:   map[string]any{"seq": i},
		}))
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		msg, err := b.Receive(ctx, "sink")
		require.NoError(t, err)
		assert.Equal(t, i, msg.Payload["seq"])
	}
}

func TestQueueFullFailsSend(t *testing.T) {
	b := NewBus(WithQueueSize(1))
	require.NoError(t, b.RegisterAgent("sink", "test", nil, nil))

	require.NoError(t, b.Send(&Message{FromAgent: "a", ToAgent: "sink", Type: TypeEvent}))
	err := b.Send(&Message{FromAgent: "a", ToAgent: "sink", Type: TypeEvent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestHandlerErrorAnswersQuery(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.RegisterAgent("broken", "test", nil,
		func(context.Context, *Message) error {
			return errors.New("storage offline")
		}))
	require.NoError(t, b.StartListener(ctx, "broken"))

	resp, err := b.SendAndWait(ctx, &Message{
		FromAgent: "caller",
		ToAgent:   "broken",
		Type:      TypeQuery,
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Payload["status"])
	assert.Contains(t, resp.Payload["error"], "storage offline")
}

func TestHandlerPanicAnswersQuery(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.RegisterAgent("panicky", "test", nil,
		func(context.Context, *Message) error {
			panic("boom")
		}))
	require.NoError(t, b.StartListener(ctx, "panicky"))

	resp, err := b.SendAndWait(ctx, &Message{
		FromAgent: "caller",
		ToAgent:   "panicky",
		Type:      TypeQuery,
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Payload["status"])
	assert.Contains(t, resp.Payload["error"], "boom")
}

func TestFindAgentByCapabilityIsStable(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("zeta", "test", []Capability{CapProjectQuery}, nil))
	require.NoError(t, b.RegisterAgent("alpha", "test", []Capability{CapProjectQuery}, nil))

	for i := 0; i < 5; i++ {
		agentID, ok := b.FindAgentByCapability(CapProjectQuery)
		require.True(t, ok)
		assert.Equal(t, "alpha", agentID)
	}

	_, ok := b.FindAgentByCapability(CapContextCompression)
	assert.False(t, ok)
}

func TestAllAgentsSorted(t *testing.T) {
	b := NewBus()
	for _, agent := range []string{"c", "a", "b"} {
		require.NoError(t, b.RegisterAgent(agent, "test", nil, nil))
	}
	infos := b.AllAgents()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].AgentID)
	assert.Equal(t, "c", infos[2].AgentID)
}

func TestUnregisterRemovesAgent(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.RegisterAgent("gone", "test", nil, nil))
	b.UnregisterAgent("gone")

	err := b.Send(&Message{FromAgent: "a", ToAgent: "gone", Type: TypeEvent})
	var unknown *UnknownRecipientError
	require.ErrorAs(t, err, &unknown)
}

func TestHistoryRing(t *testing.T) {
	b := NewBus(WithHistory(3))
	require.NoError(t, b.RegisterAgent("sink", "test", nil, nil))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Send(&Message{
			FromAgent: "src",
			ToAgent:   "sink",
			Type:      TypeEvent,
			Payload:   map[string]any{"seq": i},
		}))
	}

	history := b.History()
	require.Len(t, history, 3)
	assert.Equal(t, 2, history[0].Payload["seq"])
	assert.Equal(t, 4, history[2].Payload["seq"])
}

func TestMessageWireFormat(t *testing.T) {
	msg := Message{
		MessageID:     "msg_1",
		FromAgent:     "a",
		ToAgent:       "b",
		Type:          TypeQuery,
		Payload:       map[string]any{"q": "what"},
		CorrelationID: "msg_1",
		Priority:      PriorityHigh,
		Timestamp:     time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}

	data, err := jsonx.Marshal(msg)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, `"message_type":"query"`)
	assert.Contains(t, s, `"priority":2`)
	assert.Contains(t, s, `"timestamp":"2026-02-03T04:05:06Z"`)
	assert.NotContains(t, s, "reply_to")

	var back Message
	require.NoError(t, jsonx.Unmarshal(data, &back))
	assert.Equal(t, msg.Type, back.Type)
	assert.True(t, msg.Timestamp.Equal(back.Timestamp))

	// Unknown keys are tolerated.
	patched := strings.Replace(s, `"message_type"`, `"future_field":123,"message_type"`, 1)
	require.NoError(t, jsonx.Unmarshal([]byte(patched), &back))
	assert.Equal(t, "msg_1", back.MessageID)
}

func TestDefaultBusReplaceable(t *testing.T) {
	orig := DefaultBus()
	t.Cleanup(func() { SetDefaultBus(orig) })

	fresh := NewBus()
	SetDefaultBus(fresh)
	assert.Same(t, fresh, DefaultBus())
}

func TestConcurrentSendAndWait(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.RegisterAgent("adder", "test", nil,
		func(_ context.Context, msg *Message) error {
			n := msg.Payload["n"].(int)
			return b.SendResponse(msg, map[string]any{"n2": n * 2})
		}))
	require.NoError(t, b.StartListener(ctx, "adder"))

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(n int) {
			resp, err := b.SendAndWait(ctx, &Message{
				FromAgent: fmt.Sprintf("caller%d", n),
				ToAgent:   "adder",
				Type:      TypeQuery,
				Payload:   map[string]any{"n": n},
			}, 2*time.Second)
			if err == nil && resp.Payload["n2"] != n*2 {
				err = fmt.Errorf("wrong answer for %d: %v", n, resp.Payload["n2"])
			}
			errs <- err
		}(i)
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 0, b.PendingCount())
}
