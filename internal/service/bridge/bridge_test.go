package bridge

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/metrics"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
	seen   chan stream.Event
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan stream.Event, 64)}
}

func (r *recorder) Send(ev stream.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.seen <- ev:
	default:
	}
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) snapshot() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) types() []stream.EventType {
	events := r.snapshot()
	out := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() stream.Event {
	events := r.snapshot()
	if len(events) == 0 {
		return stream.Event{}
	}
	return events[len(events)-1]
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

type fixture struct {
	reg    *session.Registry
	rec    *recorder
	sess   *session.Session
	bridge *Bridge
}

func newFixture(t *testing.T, cfg Config, opts ...session.Option) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bridge tests use /bin/sh")
	}

	m := metrics.New(prometheus.NewRegistry())
	reg := session.NewRegistry(m)
	rec := newRecorder()
	sess, err := reg.Register("s1", rec, opts...)
	require.NoError(t, err)

	return &fixture{reg: reg, rec: rec, sess: sess, bridge: New(reg, cfg, m)}
}

func payloadOf(t *testing.T, ev stream.Event) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &body))
	return body
}

func TestStartThenNonzeroExitSynthesizesError(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.bridge.Run(context.Background(), "s1", shell(`echo '{"type":"start"}'; exit 1`))
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{stream.EventStart, stream.EventError}, f.rec.types())
	assert.Equal(t, 1, res.ExitCode)
	assert.True(t, res.Synthesized)
	assert.Equal(t, stream.StatusFailed, f.sess.Status())

	body := payloadOf(t, f.rec.last())
	assert.Contains(t, body["message"], "exited with code 1")
	assert.EqualValues(t, 1, body["exitCode"])
}

func TestMalformedLineDoesNotStopBridge(t *testing.T) {
	f := newFixture(t, Config{})

	script := `echo '{"type":"start"}'
echo 'Traceback: not json'
echo '[1,2,3]'
echo '{"type":"progress","pct":50}'
echo '{"type":"final","answer":[[1]]}'`
	res, err := f.bridge.Run(context.Background(), "s1", shell(script))
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{stream.EventStart, stream.EventProgress, stream.EventFinal}, f.rec.types())
	assert.Equal(t, 2, res.Malformed)
	assert.False(t, res.Synthesized)
	assert.Equal(t, stream.StatusCompleted, f.sess.Status())
}

func TestCleanExitWithoutFinalIsAnError(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.bridge.Run(context.Background(), "s1", shell(`echo '{"type":"start"}'`))
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Synthesized)
	assert.Equal(t, "solver exited without a final result", payloadOf(t, f.rec.last())["message"])
	assert.Equal(t, stream.StatusFailed, f.sess.Status())
}

func TestChildErrorIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})

	script := `echo '{"type":"error","message":"model refused"}'
echo '{"type":"final"}'
exit 2`
	res, err := f.bridge.Run(context.Background(), "s1", shell(script))
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{stream.EventError}, f.rec.types())
	assert.Equal(t, stream.EventError, res.Terminal)
	assert.False(t, res.Synthesized)
	assert.Equal(t, "model refused", f.sess.Info().LastError)
}

func TestNonzeroExitMessageCarriesStderrTail(t *testing.T) {
	f := newFixture(t, Config{ErrorLimit: 64})

	script := `echo 'first' >&2
echo 'ValueError: bad grid' >&2
echo "$(printf 'x%.0s' $(seq 1 200))" >&2
exit 3`
	_, err := f.bridge.Run(context.Background(), "s1", shell(script))
	require.NoError(t, err)

	last := f.rec.last()
	require.Equal(t, stream.EventError, last.Type)
	msg, _ := payloadOf(t, last)["message"].(string)
	assert.True(t, strings.HasPrefix(msg, "solver exited with code 3: first"))
	assert.LessOrEqual(t, len(msg), 64)

	// stderr lines are relayed as log events ahead of the error.
	var stderrLogs int
	for _, ev := range f.rec.snapshot() {
		if ev.Type == stream.EventLog && payloadOf(t, ev)["stream"] == "stderr" {
			stderrLogs++
		}
	}
	assert.Equal(t, 3, stderrLogs)
}

func TestSuppressStderrKeepsTail(t *testing.T) {
	f := newFixture(t, Config{SuppressStderr: true})

	_, err := f.bridge.Run(context.Background(), "s1", shell(`echo 'boom' >&2; exit 2`))
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{stream.EventError}, f.rec.types())
	msg, _ := payloadOf(t, f.rec.last())["message"].(string)
	assert.Equal(t, "solver exited with code 2: boom", msg)
}

func TestStdinIsPassedToChild(t *testing.T) {
	f := newFixture(t, Config{})

	cmd := shell(`read -r line; printf '{"type":"final","payload":%s}\n' "$line"`)
	cmd.Stdin = []byte(`{"taskId":"007bbfb7"}` + "\n")
	_, err := f.bridge.Run(context.Background(), "s1", cmd)
	require.NoError(t, err)

	require.Equal(t, []stream.EventType{stream.EventFinal}, f.rec.types())
	assert.Equal(t, "007bbfb7", payloadOf(t, f.rec.last())["taskId"])
}

func TestEnvIsPassedToChild(t *testing.T) {
	f := newFixture(t, Config{})

	cmd := shell(`printf '{"type":"final","task":"%s"}\n' "$ARC_TASK_ID"`)
	cmd.Env = []string{"ARC_TASK_ID=a61f2674"}
	_, err := f.bridge.Run(context.Background(), "s1", cmd)
	require.NoError(t, err)

	assert.Equal(t, "a61f2674", payloadOf(t, f.rec.last())["task"])
}

func TestOversizedLineIsSkipped(t *testing.T) {
	f := newFixture(t, Config{MaxLineBytes: 32})

	script := `echo '{"type":"log","message":"this line is far too long to keep"}'
echo '{"type":"final"}'`
	res, err := f.bridge.Run(context.Background(), "s1", shell(script))
	require.NoError(t, err)

	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, []stream.EventType{stream.EventFinal}, f.rec.types())
}

func TestStartFailureEmitsError(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.bridge.Run(context.Background(), "s1", Command{Path: "/nonexistent/solver"})
	require.Error(t, err)

	assert.Equal(t, []stream.EventType{stream.EventError}, f.rec.types())
	assert.Contains(t, payloadOf(t, f.rec.last())["message"], "failed to start solver")
}

func TestCancelTerminatesChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{KillTimeout: 2 * time.Second}, session.WithCancel(cancel))

	done := make(chan Result, 1)
	go func() {
		res, _ := f.bridge.Run(ctx, "s1", shell(`echo '{"type":"start"}'; sleep 30; echo '{"type":"final"}'`))
		done <- res
	}()

	waitForEvent(t, f.rec, stream.EventStart)
	require.NoError(t, f.reg.Cancel("s1"))

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
		assert.True(t, res.Synthesized)
	case <-time.After(2 * time.Second):
		t.Fatal("child was not terminated within the kill timeout")
	}

	assert.Equal(t, stream.StatusCancelled, f.sess.Status())
	assert.Equal(t, true, payloadOf(t, f.rec.last())["cancelled"])
	assert.Equal(t, 0, f.reg.Len())
}

func TestCancelEscalatesToKill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{KillTimeout: 200 * time.Millisecond}, session.WithCancel(cancel))

	done := make(chan struct{})
	go func() {
		_, _ = f.bridge.Run(ctx, "s1", shell(`trap '' TERM; echo '{"type":"start"}'; while :; do sleep 0.1; done`))
		close(done)
	}()

	waitForEvent(t, f.rec, stream.EventStart)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("child ignoring SIGTERM was not killed")
	}
	assert.Equal(t, stream.StatusCancelled, f.sess.Status())
}

func TestTimeoutIsReportedAsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	f := newFixture(t, Config{KillTimeout: time.Second})

	res, err := f.bridge.Run(ctx, "s1", shell(`sleep 30`))
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	body := payloadOf(t, f.rec.last())
	assert.Equal(t, true, body["timedOut"])
	assert.Nil(t, body["cancelled"])
	assert.Equal(t, stream.StatusFailed, f.sess.Status())
}

func waitForEvent(t *testing.T, rec *recorder, want stream.EventType) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-rec.seen:
			if ev.Type == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}
