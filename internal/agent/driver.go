// Package agent owns the single long-lived agent process: it feeds the
// serialized inbound queue to the process, fans its output out to all
// clients, and pauses the turn when the agent asks the human a
// question.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/frontic/frontic/internal/config"
	"github.com/frontic/frontic/internal/gate"
	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/protocol"
	"github.com/frontic/frontic/internal/queue"
	"github.com/frontic/frontic/internal/session"
)

// agent output lines can carry large tool results
const maxAgentLine = 4 * 1024 * 1024

const stopGrace = 5 * time.Second

var (
	// ErrAlreadyRunning is returned when initialize arrives while the
	// agent process is already up. There is exactly one conversation.
	ErrAlreadyRunning = errors.New("agent session already active")
	// ErrNotRunning is returned for operations that need a live agent
	// process.
	ErrNotRunning = errors.New("no agent session is running")
)

// Driver bridges the client-facing protocol and the agent process.
// All client input arrives through the queue; all agent output leaves
// through broadcast.
type Driver struct {
	cfg       *config.Config
	store     *session.Store
	queue     *queue.Queue
	gate      *gate.Gate
	broadcast func(frame []byte)
	startProc func(ctx context.Context, opts launchOptions) (processHandle, error)

	mu             sync.Mutex
	proc           processHandle
	cancel         context.CancelFunc
	done           chan struct{}
	active         bool
	stopping       bool
	hasRun         bool
	sessionID      string
	transcriptPath string
}

// New creates a driver and preloads the persisted session identity so
// the first Start resumes the stored conversation.
func New(cfg *config.Config, store *session.Store, q *queue.Queue, g *gate.Gate, broadcast func(frame []byte)) (*Driver, error) {
	d := &Driver{
		cfg:       cfg,
		store:     store,
		queue:     q,
		gate:      g,
		broadcast: broadcast,
		startProc: startClaudeProcess,
	}

	rec, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}
	d.sessionID = rec.SessionID
	d.transcriptPath = rec.TranscriptPath
	if rec.SessionID != "" {
		logger.Info("resuming session %s", rec.SessionID)
	}

	return d, nil
}

// Start launches the agent process and its pump goroutines. conf is
// the client-supplied configuration from the initialize frame; it
// augments the server config, it does not replace it.
func (d *Driver) Start(ctx context.Context, conf *protocol.Configuration) error {
	d.mu.Lock()
	if d.proc != nil {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}

	opts := launchOptions{
		binary:               d.cfg.Agent.Binary,
		workingDir:           d.cfg.Agent.WorkingDir,
		model:                d.cfg.Agent.Model,
		permissionMode:       d.cfg.Agent.PermissionMode,
		allowedTools:         d.cfg.Agent.AllowedTools,
		systemPrompt:         d.cfg.Agent.SystemPrompt,
		resume:               d.sessionID,
		continueConversation: d.hasRun,
	}
	if conf != nil {
		opts.allowedTools = append(opts.allowedTools, conf.AllowedTools...)
		if conf.SystemPrompt != "" {
			opts.systemPrompt = conf.SystemPrompt
		}
	}

	pctx, cancel := context.WithCancel(ctx)
	proc, err := d.startProc(pctx, opts)
	if err != nil {
		cancel()
		d.mu.Unlock()
		return fmt.Errorf("starting agent: %w", err)
	}

	d.proc = proc
	d.cancel = cancel
	d.done = make(chan struct{})
	d.stopping = false
	d.mu.Unlock()

	logger.Info("agent started (resume=%q)", opts.resume)
	go d.readLoop(pctx, proc)
	go d.feedLoop(pctx, proc)
	return nil
}

// Initialized reports whether the agent process is up.
func (d *Driver) Initialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc != nil
}

// Active reports whether a turn is in flight.
func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SessionID returns the agent-assigned conversation id, if known.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// TranscriptPath returns the path of the conversation transcript, if
// known.
func (d *Driver) TranscriptPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transcriptPath
}

// Interrupt signals the agent to abandon the current turn. The queue
// and any unanswered question are untouched; the agent reports the
// aborted turn through its normal output.
func (d *Driver) Interrupt() error {
	d.mu.Lock()
	proc := d.proc
	d.mu.Unlock()

	if proc == nil {
		return ErrNotRunning
	}
	logger.Info("interrupting agent turn")
	return proc.Interrupt()
}

// Stop terminates the agent process and waits briefly for it to exit.
func (d *Driver) Stop() {
	d.mu.Lock()
	proc := d.proc
	done := d.done
	d.stopping = true
	d.mu.Unlock()

	if proc == nil {
		return
	}
	proc.Terminate()
	select {
	case <-done:
	case <-time.After(stopGrace):
		logger.Warn("agent process did not exit within %v", stopGrace)
	}
}

// feedLoop drains the inbound queue one envelope at a time. Answers
// resolve the gate directly and are never forwarded to the agent; user
// messages are rewritten into stream input and echoed to all clients.
func (d *Driver) feedLoop(ctx context.Context, proc processHandle) {
	for {
		env, ok := d.queue.PopOrNone()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.queue.Ready():
			}
			continue
		}

		switch env.Type {
		case protocol.TypeAskUserQuestionResponse:
			if env.Answer != nil && d.gate.Resolve(env.Answer.Answers) {
				d.broadcast(env.Raw)
			} else {
				logger.Debug("dropping answer with no question outstanding")
			}

		case protocol.TypeUserMessage:
			frame, err := buildStreamInput(env.UserMessage)
			if err != nil {
				d.broadcast(protocol.ErrorFrame(err.Error()))
				continue
			}
			d.broadcast(frame)
			d.setActive(true)
			if err := proc.WriteLine(frame); err != nil {
				logger.Error("failed to deliver user message to agent: %v", err)
				d.broadcast(protocol.ErrorFrame("failed to deliver message to agent"))
			}

		default:
			logger.Warn("unexpected envelope type %q in queue", env.Type)
		}
	}
}

// readLoop streams the agent's stdout. Control requests are answered
// on the spot; every other line is inspected for lifecycle bookkeeping
// and fanned out verbatim.
func (d *Driver) readLoop(ctx context.Context, proc processHandle) {
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxAgentLine)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if d.handleControl(ctx, proc, line) {
			continue
		}
		d.observeLifecycle(line)
		d.broadcast(line)
	}
	if err := scanner.Err(); err != nil {
		logger.Error("reading agent stdout: %v", err)
	}

	d.finish(proc)
}

func (d *Driver) finish(proc processHandle) {
	err := proc.Wait()

	d.mu.Lock()
	stopping := d.stopping
	if d.proc == proc {
		d.proc = nil
		d.active = false
		d.hasRun = true
		if d.cancel != nil {
			d.cancel()
			d.cancel = nil
		}
		if d.done != nil {
			close(d.done)
		}
	}
	d.mu.Unlock()

	if err != nil && !stopping {
		logger.Error("agent process exited: %v", err)
		d.broadcast(protocol.ErrorFrame("agent process exited unexpectedly"))
	} else {
		logger.Info("agent process exited")
	}
}

// handleControl intercepts control_request lines. Returns false for
// ordinary output.
func (d *Driver) handleControl(ctx context.Context, proc processHandle, line []byte) bool {
	var req controlRequest
	if err := json.Unmarshal(line, &req); err != nil || req.Type != "control_request" {
		return false
	}
	// Answered off the read loop so a paused question cannot stall
	// unrelated output.
	go d.respondControl(ctx, proc, req)
	return true
}

func (d *Driver) respondControl(ctx context.Context, proc processHandle, req controlRequest) {
	if req.Request.Subtype != "can_use_tool" {
		reply, err := encodeErrorResponse(req.RequestID, fmt.Sprintf("unsupported control request %q", req.Request.Subtype))
		if err == nil {
			err = proc.WriteLine(reply)
		}
		if err != nil {
			logger.Error("failed to answer control request %s: %v", req.RequestID, err)
		}
		return
	}

	updated := req.Request.Input
	if req.Request.ToolName == "AskUserQuestion" {
		updated = d.askThroughGate(ctx, req.Request.Input)
	}

	reply, err := encodeAllowResponse(req.RequestID, updated)
	if err == nil {
		err = proc.WriteLine(reply)
	}
	if err != nil {
		logger.Error("failed to answer permission request %s: %v", req.RequestID, err)
	}
}

// askThroughGate pauses the turn on the question gate and merges the
// human's answers back into the tool input. On timeout or any gate
// failure the original input passes through so the turn can finish.
func (d *Driver) askThroughGate(ctx context.Context, input json.RawMessage) json.RawMessage {
	var qs protocol.QuestionSet
	if err := json.Unmarshal(input, &qs); err != nil {
		logger.Error("unparseable AskUserQuestion input: %v", err)
		return input
	}

	answers, err := d.gate.Ask(ctx, &qs)
	if err != nil {
		logger.Warn("allowing AskUserQuestion without answers: %v", err)
		return input
	}

	qs.Answers = answers
	merged, err := json.Marshal(&qs)
	if err != nil {
		logger.Error("failed to encode answered question set: %v", err)
		return input
	}
	return merged
}

func (d *Driver) setActive(active bool) {
	d.mu.Lock()
	d.active = active
	d.mu.Unlock()
}

// observeLifecycle watches the output stream for turn boundaries. The
// init event carries the session id the agent assigned; the result
// event closes the turn.
func (d *Driver) observeLifecycle(line []byte) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}

	switch {
	case ev.Type == "system" && ev.Subtype == "init":
		d.recordTurnStart(ev.SessionID)
	case ev.Type == "result":
		d.recordTurnEnd()
	}
}

func (d *Driver) recordTurnStart(sessionID string) {
	d.mu.Lock()
	d.active = true
	if sessionID != "" {
		if sessionID != d.sessionID {
			logger.Info("agent session id is %s", sessionID)
		}
		d.sessionID = sessionID
		d.transcriptPath = session.TranscriptPath(d.cfg.Agent.WorkingDir, sessionID)
	}
	rec := session.Record{SessionID: d.sessionID, TranscriptPath: d.transcriptPath}
	d.mu.Unlock()

	if rec.SessionID == "" {
		return
	}
	if err := d.store.Save(rec); err != nil {
		logger.Error("failed to persist session record: %v", err)
	}
}

func (d *Driver) recordTurnEnd() {
	d.mu.Lock()
	d.active = false
	d.hasRun = true
	rec := session.Record{SessionID: d.sessionID, TranscriptPath: d.transcriptPath}
	d.mu.Unlock()

	if rec.SessionID == "" {
		return
	}
	if err := d.store.Save(rec); err != nil {
		logger.Error("failed to persist session record: %v", err)
	}
}
