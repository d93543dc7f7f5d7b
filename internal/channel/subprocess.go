package channel

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ezclang/device/internal/interfaces"
)

// SubprocessChannel is a ByteChannel over a spawned child's stdin/stdout
// pipes (e.g. a QEMU emulator). Reads are driven through unix.Poll with a
// timeout so a paused child (awaiting debugger attach) never wedges the
// read side indefinitely (§4.A, §5).
type SubprocessChannel struct {
	cmd     *exec.Cmd
	stdin   *fdWriter
	stdout  *fdReader
	timeout time.Duration
}

var _ interfaces.ByteChannel = (*SubprocessChannel)(nil)

// SpawnSubprocess launches name with args, wiring its stdin/stdout as the
// channel's byte stream. Stderr is inherited so device boot diagnostics
// reach the operator's terminal.
func SpawnSubprocess(name string, args ...string) (*SubprocessChannel, error) {
	cmd := exec.Command(name, args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("channel: subprocess stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("channel: subprocess stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("channel: subprocess start %s: %w", name, err)
	}

	stdoutFd, err := fdFromFile(stdoutPipe)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	if err := unix.SetNonblock(stdoutFd, true); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("channel: set stdout nonblocking: %w", err)
	}

	return &SubprocessChannel{
		cmd:    cmd,
		stdin:  &fdWriter{f: stdinPipe},
		stdout: &fdReader{f: stdoutPipe, fd: stdoutFd},
	}, nil
}

// ReadExact polls the child's stdout for readability with the configured
// timeout, then reads whatever is available, repeating until n bytes have
// accumulated.
func (c *SubprocessChannel) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		timeoutMs := -1
		if c.timeout > 0 {
			timeoutMs = int(c.timeout / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(c.stdout.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			return buf[:read], fmt.Errorf("channel: subprocess poll: %w", err)
		}
		if ready == 0 {
			return buf[:read], fmt.Errorf("channel: subprocess read: %w", ErrTimeout)
		}
		m, err := c.stdout.f.Read(buf[read:])
		if err != nil {
			return buf[:read], fmt.Errorf("channel: subprocess read: %w", err)
		}
		read += m
	}
	return buf, nil
}

// WriteAll writes the entire buffer to the child's stdin.
func (c *SubprocessChannel) WriteAll(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := c.stdin.f.Write(p[written:])
		if err != nil {
			return fmt.Errorf("channel: subprocess write: %w", err)
		}
		written += n
	}
	return nil
}

// SetTimeout sets the poll timeout applied to subsequent ReadExact calls.
// §5 specifies 1s for the first handshake poll and 100ms steady-state;
// callers own choosing which to set when.
func (c *SubprocessChannel) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes both pipes and kills the child if it is still running.
func (c *SubprocessChannel) Close() error {
	_ = c.stdin.f.Close()
	_ = c.stdout.f.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}
