// Child-process stdio channel. The gateway spawns the participant,
// writes newline-delimited frames to its stdin and reads frames from its
// stdout; stderr is forwarded to the operator log. Process exit is a
// disconnect.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// stdioScanBuffer bounds a single stdout frame from a spawned
// participant. Oversized envelopes are rejected later by the codec; this
// only has to be large enough to carry them to that rejection.
const stdioScanBuffer = 4 << 20

type stdioChannel struct {
	cmd    *exec.Cmd
	stdin  interface{ Write([]byte) (int, error) }
	desc   string
	log    zerolog.Logger
	sendMu sync.Mutex
	recvCh chan Frame
	done   chan struct{}
	once   sync.Once
}

// Spawn starts a participant child process and attaches it over stdio.
// The returned channel closes when the process exits.
//
// Called by: cmd/gateway for participants configured with a spawn
// command
func Spawn(ctx context.Context, command []string, log zerolog.Logger) (Channel, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("spawn command is empty")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command[0], err)
	}

	ch := &stdioChannel{
		cmd:    cmd,
		stdin:  stdin,
		desc:   fmt.Sprintf("stdio %s (pid %d)", command[0], cmd.Process.Pid),
		log:    log,
		recvCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}

	// Forward the child's stderr line by line to the operator log.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("channel", ch.desc).Msg(scanner.Text())
		}
	}()

	// Read newline-delimited frames from stdout until the process exits.
	go func() {
		defer close(ch.recvCh)
		defer ch.Close("stdout closed")
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), stdioScanBuffer)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			frame, err := DecodeFrame(append([]byte(nil), line...))
			if err != nil {
				frame = Frame{Data: append([]byte(nil), line...)}
			}
			select {
			case <-ch.done:
				return
			case ch.recvCh <- frame:
			}
		}
	}()

	// Reap the process so a crashed participant is observed promptly.
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Warn().Str("channel", ch.desc).Err(err).Msg("spawned participant exited")
		}
		ch.Close("process exit")
	}()

	return ch, nil
}

func (c *stdioChannel) Send(ctx context.Context, frame Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	data := append(EncodeFrame(frame), '\n')
	if _, err := c.stdin.Write(data); err != nil {
		c.Close("stdin write error")
		return ErrChannelClosed
	}
	return nil
}

func (c *stdioChannel) Receive() <-chan Frame { return c.recvCh }

func (c *stdioChannel) Close(reason string) error {
	c.once.Do(func() {
		close(c.done)
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
	})
	return nil
}

func (c *stdioChannel) Description() string { return c.desc }

func (c *stdioChannel) BearerToken() string { return "" }
