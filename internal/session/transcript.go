package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// transcript lines can carry large tool results
const maxTranscriptLine = 1024 * 1024

// ReplayTranscript streams the transcript file line by line to fn in
// file order. A missing or empty path yields no lines and no error: a
// brand-new session simply has no history yet. fn returning an error
// stops the replay.
func ReplayTranscript(path string, fn func(line []byte) error) error {
	if path == "" {
		return nil
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// TranscriptPath derives where the agent keeps the transcript for a
// session: ~/.claude/projects/<encoded working dir>/<session id>.jsonl.
func TranscriptPath(workingDir, sessionID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "~"
	}

	encoded := strings.ReplaceAll(filepath.Clean(workingDir), "/", "-")
	return filepath.Join(home, ".claude", "projects", encoded, sessionID+".jsonl")
}
