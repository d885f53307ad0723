package media

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

const stderrTail = 4 * 1024

// ProcessChunker streams the stdout of a decode command.
type ProcessChunker struct {
	command string
	path    string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *tailBuffer
	sub    int

	done bool
	err  error
}

// StartProcess spawns command for path. "{path}" in the command is
// replaced by the path; without a placeholder the path is appended.
// The process is killed when ctx is done or Close is called.
func StartProcess(ctx context.Context, command, path string) (*ProcessChunker, error) {
	args := commandArgs(command, path)
	if len(args) == 0 {
		return nil, &StreamCommandError{Command: command, Path: path, Err: errors.New("empty command")}
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, args[0], args[1:]...)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &StreamCommandError{Command: command, Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &StreamCommandError{Command: command, Path: path, Err: err}
	}
	return &ProcessChunker{
		command: command,
		path:    path,
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdout,
		stderr:  stderr,
		sub:     SubChunkSize,
	}, nil
}

func commandArgs(command, path string) []string {
	fields := strings.Fields(command)
	replaced := false
	for i, f := range fields {
		if strings.Contains(f, "{path}") {
			fields[i] = strings.ReplaceAll(f, "{path}", path)
			replaced = true
		}
	}
	if !replaced && len(fields) > 0 {
		fields = append(fields, path)
	}
	return fields
}

func (p *ProcessChunker) Next(ctx context.Context) ([]byte, error) {
	if p.done {
		return nil, p.finalErr()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, p.sub)
	n, err := io.ReadFull(p.stdout, buf)
	if n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)) {
		return buf[:n], nil
	}
	p.done = true
	if err != nil && !errors.Is(err, io.EOF) {
		_ = p.cmd.Process.Kill()
	}
	if werr := p.cmd.Wait(); werr != nil {
		p.err = &StreamCommandError{Command: p.command, Path: p.path, Stderr: p.stderr.String(), Err: werr}
	}
	return nil, p.finalErr()
}

func (p *ProcessChunker) finalErr() error {
	if p.err != nil {
		return p.err
	}
	return io.EOF
}

// Close kills the process if it is still running.
func (p *ProcessChunker) Close() error {
	p.cancel()
	if !p.done {
		p.done = true
		_ = p.cmd.Wait()
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
