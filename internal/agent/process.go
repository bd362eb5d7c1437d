package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/frontic/frontic/internal/logger"
)

// launchOptions describe one invocation of the agent binary.
type launchOptions struct {
	binary         string
	workingDir     string
	model          string
	permissionMode string
	allowedTools   []string
	systemPrompt   string
	// resume restarts an existing conversation by session id.
	resume string
	// continueConversation picks up the most recent conversation when no
	// session id is known.
	continueConversation bool
}

// processHandle is the live agent process as the driver sees it. The
// concrete implementation wraps the Claude Code CLI; tests substitute
// an in-memory fake.
type processHandle interface {
	// WriteLine writes one stream-json input line to the agent's stdin.
	WriteLine(line []byte) error
	// Stdout is the agent's stream-json output.
	Stdout() io.Reader
	// Interrupt asks the agent to abandon the current turn. Best
	// effort: the turn may end in a partially-completed state.
	Interrupt() error
	// Terminate stops the process.
	Terminate()
	// Wait blocks until the process exits.
	Wait() error
}

// claudeProcess runs the Claude Code CLI in bidirectional stream-json
// mode.
type claudeProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	writeMu sync.Mutex
}

// buildArgs translates launch options into CLI arguments.
func buildArgs(opts launchOptions) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--include-partial-messages",
	}

	if opts.model != "" {
		args = append(args, "--model", opts.model)
	}
	if opts.permissionMode != "" {
		args = append(args, "--permission-mode", opts.permissionMode)
	}
	if len(opts.allowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.allowedTools, ","))
	}
	if opts.systemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.systemPrompt)
	}

	switch {
	case opts.resume != "":
		args = append(args, "--resume", opts.resume)
	case opts.continueConversation:
		args = append(args, "--continue")
	}

	return args
}

// startClaudeProcess spawns the agent binary and wires its pipes.
// Stderr is drained into the log so agent diagnostics are never lost.
func startClaudeProcess(ctx context.Context, opts launchOptions) (processHandle, error) {
	cmd := exec.CommandContext(ctx, opts.binary, buildArgs(opts)...)
	cmd.Dir = opts.workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting agent %s: %w", opts.binary, err)
	}

	go drainStderr(stderr)

	return &claudeProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Warn("agent stderr: %s", scanner.Text())
	}
}

func (p *claudeProcess) WriteLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	if _, err := p.stdin.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}

func (p *claudeProcess) Stdout() io.Reader {
	return p.stdout
}

// Interrupt sends SIGINT; the agent finishes or abandons the current
// tool call and emits its terminal event for the turn.
func (p *claudeProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return fmt.Errorf("agent process not started")
	}
	return p.cmd.Process.Signal(syscall.SIGINT)
}

func (p *claudeProcess) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *claudeProcess) Wait() error {
	return p.cmd.Wait()
}
