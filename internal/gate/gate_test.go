package gate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontic/frontic/internal/protocol"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) record(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func question() *protocol.QuestionSet {
	return &protocol.QuestionSet{Questions: []protocol.Question{{
		Question: "Continue?",
		Options:  []protocol.QuestionOption{{Label: "A"}, {Label: "B"}},
	}}}
}

func TestAskResolvesWithAnswer(t *testing.T) {
	rec := &frameRecorder{}
	g := New(time.Second, rec.record)

	go func() {
		// Wait until the question is outstanding, then answer it.
		for !g.Waiting() {
			time.Sleep(time.Millisecond)
		}
		ok := g.Resolve(map[string]string{"Continue?": "A"})
		assert.True(t, ok)
	}()

	answers, err := g.Ask(context.Background(), question())
	require.NoError(t, err)
	assert.Equal(t, "A", answers["Continue?"])
	assert.False(t, g.Waiting())

	// The question was broadcast exactly once.
	require.Equal(t, 1, rec.count())
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(rec.frames[0], &frame))
	assert.Equal(t, protocol.TypeAskUserQuestion, frame.Type)
}

func TestStaleResolveIsDropped(t *testing.T) {
	g := New(time.Second, func([]byte) {})

	assert.False(t, g.Resolve(map[string]string{"q": "late"}))
	assert.False(t, g.Waiting())
}

func TestAskTimesOut(t *testing.T) {
	g := New(20*time.Millisecond, func([]byte) {})

	answers, err := g.Ask(context.Background(), question())
	assert.ErrorIs(t, err, ErrAnswerTimeout)
	assert.Nil(t, answers)
	assert.False(t, g.Waiting())

	// The slot is free again after the timeout.
	assert.False(t, g.Resolve(map[string]string{"q": "too late"}))
}

func TestSecondAskRejected(t *testing.T) {
	g := New(time.Second, func([]byte) {})

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		g.Ask(context.Background(), question())
		close(done)
	}()

	<-started
	for !g.Waiting() {
		time.Sleep(time.Millisecond)
	}

	_, err := g.Ask(context.Background(), question())
	assert.ErrorIs(t, err, ErrQuestionPending)

	g.Resolve(map[string]string{"Continue?": "B"})
	<-done
}

func TestAskHonorsContextCancel(t *testing.T) {
	g := New(time.Minute, func([]byte) {})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.Ask(ctx, question())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, g.Waiting())
}

func TestGateReusableAfterResolve(t *testing.T) {
	g := New(time.Second, func([]byte) {})

	for i := 0; i < 3; i++ {
		go func() {
			for !g.Waiting() {
				time.Sleep(time.Millisecond)
			}
			g.Resolve(map[string]string{"Continue?": "A"})
		}()

		answers, err := g.Ask(context.Background(), question())
		require.NoError(t, err)
		assert.Equal(t, "A", answers["Continue?"])
	}
}
