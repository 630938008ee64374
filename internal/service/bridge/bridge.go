package bridge

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/metrics"
)

// Sink receives the events of a session. session.Registry implements it.
type Sink interface {
	Send(sessionID string, ev stream.Event) error
	Close(sessionID string)
}

// Command describes the child process to spawn.
type Command struct {
	Path  string
	Args  []string
	Env   []string
	Dir   string
	Stdin []byte
}

// Config tunes the bridge.
type Config struct {
	KillTimeout     time.Duration
	MaxLineBytes    int
	ErrorLimit      int
	StderrTailLines int
	SuppressStderr  bool
	RedactKeys      []string
}

// DefaultConfig returns the settings used when no overrides are configured.
func DefaultConfig() Config {
	return Config{
		KillTimeout:     5 * time.Second,
		MaxLineBytes:    10 * 1024 * 1024,
		ErrorLimit:      512,
		StderrTailLines: 20,
	}
}

// Result summarises one child process run.
type Result struct {
	ExitCode    int
	Events      int
	Malformed   int
	Terminal    stream.EventType
	Synthesized bool
	Cancelled   bool
	Duration    time.Duration
}

// Bridge turns a child's line-delimited JSON stdout into stream events.
type Bridge struct {
	sink     Sink
	cfg      Config
	metrics  *metrics.Metrics
	redactor *redactor
}

// New creates a bridge that forwards to sink. m may be nil.
func New(sink Sink, cfg Config, m *metrics.Metrics) *Bridge {
	defaults := DefaultConfig()
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = defaults.KillTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaults.MaxLineBytes
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = defaults.ErrorLimit
	}
	if cfg.StderrTailLines <= 0 {
		cfg.StderrTailLines = defaults.StderrTailLines
	}
	return &Bridge{
		sink:     sink,
		cfg:      cfg,
		metrics:  m,
		redactor: newRedactor(cfg.RedactKeys),
	}
}

type stdoutStats struct {
	events    int
	malformed int
	terminal  stream.EventType
}

// Run spawns the child and blocks until it has exited and both output streams
// are drained. Exactly one terminal event is emitted for the session: the
// child's own, or a synthesized error. Cancelling ctx terminates the child's
// process group and closes the session.
func (b *Bridge) Run(ctx context.Context, sessionID string, c Command) (Result, error) {
	started := time.Now()
	res := Result{ExitCode: -1}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	cmd.WaitDelay = b.cfg.KillTimeout
	stopKill := configureProcess(cmd, b.cfg.KillTimeout)
	defer stopKill()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return res, b.failStart(sessionID, c, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return res, b.failStart(sessionID, c, err)
	}
	if err := cmd.Start(); err != nil {
		return res, b.failStart(sessionID, c, err)
	}
	log.Printf("[bridge] session=%s started pid=%d cmd=%s", sessionID, cmd.Process.Pid, c.Path)

	var (
		out        stdoutStats
		tail       = newTail(b.cfg.StderrTailLines)
		stderrSent int
		g          errgroup.Group
	)
	g.Go(func() error {
		return b.pumpStdout(sessionID, stdout, &out)
	})
	g.Go(func() error {
		n, err := b.pumpStderr(sessionID, stderr, tail)
		stderrSent = n
		return err
	})
	if err := g.Wait(); err != nil {
		log.Printf("[bridge] session=%s output read error: %v", sessionID, err)
	}

	waitErr := cmd.Wait()
	res.ExitCode = exitCode(waitErr)
	res.Events = out.events + stderrSent
	res.Malformed = out.malformed
	res.Terminal = out.terminal
	res.Cancelled = ctx.Err() != nil
	b.recordExit(res, waitErr)

	if res.Terminal == "" {
		b.emit(sessionID, b.synthesize(ctx, res, tail.String()))
		res.Synthesized = true
		res.Events++
	}

	res.Duration = time.Since(started)
	log.Printf("[bridge] session=%s exited code=%d events=%d malformed=%d cancelled=%t elapsed=%s",
		sessionID, res.ExitCode, res.Events, res.Malformed, res.Cancelled, res.Duration.Round(time.Millisecond))

	if res.Cancelled {
		b.sink.Close(sessionID)
	}
	return res, nil
}

func (b *Bridge) failStart(sessionID string, c Command, err error) error {
	b.metrics.ProcessExited("start_failed")
	b.emit(sessionID, stream.ErrorEvent(fmt.Sprintf("failed to start solver: %v", err), b.cfg.ErrorLimit, nil))
	return fmt.Errorf("bridge: start %s: %w", c.Path, err)
}

func (b *Bridge) synthesize(ctx context.Context, res Result, stderrTail string) stream.Event {
	extra := map[string]any{"exitCode": res.ExitCode, "synthesized": true}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		extra["timedOut"] = true
		return stream.ErrorEvent("solver run timed out", b.cfg.ErrorLimit, extra)
	case res.Cancelled:
		extra["cancelled"] = true
		return stream.ErrorEvent("solver run cancelled", b.cfg.ErrorLimit, extra)
	case res.ExitCode != 0:
		msg := fmt.Sprintf("solver exited with code %d", res.ExitCode)
		if stderrTail != "" {
			msg += ": " + stderrTail
		}
		return stream.ErrorEvent(msg, b.cfg.ErrorLimit, extra)
	default:
		return stream.ErrorEvent("solver exited without a final result", b.cfg.ErrorLimit, extra)
	}
}

func (b *Bridge) pumpStdout(sessionID string, r io.Reader, out *stdoutStats) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, err := readLine(reader, b.cfg.MaxLineBytes)
		if tooLong {
			out.malformed++
			b.metrics.MalformedLine()
			log.Printf("[bridge] session=%s skipping line over %d bytes", sessionID, b.cfg.MaxLineBytes)
		} else if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			ev, ok := parseLine(trimmed, b.redactor)
			if !ok {
				out.malformed++
				b.metrics.MalformedLine()
				log.Printf("[bridge] session=%s skipping malformed line: %s", sessionID, stream.Truncate(string(trimmed), 200))
			} else {
				if ev.Type.Terminal() && out.terminal == "" {
					out.terminal = ev.Type
				}
				out.events++
				b.emit(sessionID, ev)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read stdout: %w", err)
		}
	}
}

func (b *Bridge) pumpStderr(sessionID string, r io.Reader, tail *tail) (int, error) {
	forwarded := 0
	reader := bufio.NewReaderSize(r, 16*1024)
	for {
		line, _, err := readLine(reader, 64*1024)
		if text := string(bytes.TrimRight(line, "\r")); text != "" {
			tail.Add(text)
			if !b.cfg.SuppressStderr {
				b.emit(sessionID, stream.NewEvent(stream.EventLog, map[string]any{
					"stream":  "stderr",
					"message": stream.Truncate(text, 2048),
				}))
				forwarded++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return forwarded, nil
			}
			return forwarded, fmt.Errorf("read stderr: %w", err)
		}
	}
}

func (b *Bridge) emit(sessionID string, ev stream.Event) {
	if err := b.sink.Send(sessionID, ev); err != nil {
		log.Printf("[bridge] session=%s send %s failed: %v", sessionID, ev.Type, err)
	}
}

func (b *Bridge) recordExit(res Result, waitErr error) {
	switch {
	case waitErr == nil:
		b.metrics.ProcessExited("ok")
	case res.ExitCode < 0 || res.Cancelled:
		b.metrics.ProcessExited("signaled")
	default:
		b.metrics.ProcessExited("nonzero")
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// readLine reads one newline-terminated line. Lines longer than max are
// consumed and reported as tooLong with no content.
func readLine(r *bufio.Reader, max int) ([]byte, bool, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if !tooLong && len(chunk) > 0 {
			if len(buf)+len(chunk) > max {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err != nil || !isPrefix {
			return buf, tooLong, err
		}
	}
}
