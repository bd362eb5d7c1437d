// Package gate suspends the agent's turn while a question waits for a
// human answer.
package gate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/protocol"
)

var (
	// ErrQuestionPending is returned when a question is asked while an
	// earlier one is still unanswered. The gate is a single slot, not a
	// queue.
	ErrQuestionPending = errors.New("a question is already awaiting an answer")
	// ErrAnswerTimeout is returned when no answer arrived before the
	// configured timeout. The gate is released; the caller proceeds
	// without answers.
	ErrAnswerTimeout = errors.New("timed out waiting for an answer")
)

// Gate is the single-slot handshake between the agent's permission
// callback and connected clients. Ask broadcasts the question and
// blocks; Resolve (called from the driver's feeder loop) delivers the
// answer through a capacity-1 channel.
type Gate struct {
	mu        sync.Mutex
	waiting   bool
	answers   chan map[string]string
	timeout   time.Duration
	broadcast func(frame []byte)
}

// New creates a gate. broadcast delivers the ask_user_question frame
// to every connected client.
func New(timeout time.Duration, broadcast func(frame []byte)) *Gate {
	return &Gate{
		timeout:   timeout,
		broadcast: broadcast,
	}
}

// Waiting reports whether a question is currently unanswered.
func (g *Gate) Waiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiting
}

// Ask broadcasts the question set and blocks until an answer arrives,
// the timeout expires, or ctx is cancelled. Only one question may be
// outstanding; concurrent callers get ErrQuestionPending.
func (g *Gate) Ask(ctx context.Context, q *protocol.QuestionSet) (map[string]string, error) {
	g.mu.Lock()
	if g.waiting {
		g.mu.Unlock()
		return nil, ErrQuestionPending
	}
	ch := make(chan map[string]string, 1)
	g.answers = ch
	g.waiting = true
	g.mu.Unlock()

	frame, err := protocol.QuestionFrame(q)
	if err != nil {
		g.release()
		return nil, err
	}
	g.broadcast(frame)
	logger.Debug("question broadcast, waiting up to %v for an answer", g.timeout)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case answers := <-ch:
		return answers, nil

	case <-timer.C:
		g.release()
		// An answer may have slipped in between the timer firing and the
		// release; honor it.
		select {
		case answers := <-ch:
			return answers, nil
		default:
		}
		logger.Warn("question timed out after %v", g.timeout)
		return nil, ErrAnswerTimeout

	case <-ctx.Done():
		g.release()
		select {
		case answers := <-ch:
			return answers, nil
		default:
		}
		return nil, ctx.Err()
	}
}

// Resolve delivers an answer to the outstanding question. Returns
// false when no question is waiting (stale or duplicate answers are
// dropped without error).
func (g *Gate) Resolve(answers map[string]string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.waiting {
		return false
	}
	g.waiting = false
	g.answers <- answers
	return true
}

func (g *Gate) release() {
	g.mu.Lock()
	g.waiting = false
	g.mu.Unlock()
}
