package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/arc-relay/backend/internal/config"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

type fakeModel struct {
	chunks    []string
	streamErr error
	mu        sync.Mutex
	lastInput []*schema.Message
}

func (f *fakeModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.record(input)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(input)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func (f *fakeModel) record(input []*schema.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInput = input
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *sinkRecorder) Send(_ string, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkRecorder) types() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestService(t *testing.T, fm *fakeModel, streaming bool) *Service {
	t.Helper()
	svc, err := NewServiceWithModel(context.Background(), fm, config.AIConfig{StreamResponse: streaming}, 64)
	require.NoError(t, err)
	return svc
}

func TestAnalyzeStreamsDeltas(t *testing.T) {
	fm := &fakeModel{chunks: []string{"Mirror ", "each row ", "horizontally."}}
	svc := newTestService(t, fm, true)
	sink := &sinkRecorder{}

	err := svc.Analyze(context.Background(), "s1", Request{TaskID: "007bbfb7", Task: `{"train":[]}`}, sink)
	require.NoError(t, err)

	assert.Equal(t, []stream.EventType{
		stream.EventStart,
		stream.EventProgress, stream.EventProgress, stream.EventProgress,
		stream.EventFinal,
	}, sink.types())
	assert.Contains(t, string(sink.events[4].Payload), `"text":"Mirror each row horizontally."`)

	require.Len(t, fm.lastInput, 2)
	assert.Equal(t, schema.System, fm.lastInput[0].Role)
	assert.Contains(t, fm.lastInput[1].Content, "Puzzle 007bbfb7.")
	assert.Contains(t, fm.lastInput[1].Content, `{"train":[]}`)
}

func TestAnalyzeWithoutStreaming(t *testing.T) {
	fm := &fakeModel{chunks: []string{"a", "b"}}
	svc := newTestService(t, fm, false)
	sink := &sinkRecorder{}

	require.NoError(t, svc.Analyze(context.Background(), "s1", Request{TaskID: "t"}, sink))
	assert.Equal(t, []stream.EventType{stream.EventStart, stream.EventFinal}, sink.types())
}

func TestAnalyzeModelErrorIsTerminal(t *testing.T) {
	fm := &fakeModel{streamErr: errors.New(strings.Repeat("upstream 503 ", 20))}
	svc := newTestService(t, fm, true)
	sink := &sinkRecorder{}

	err := svc.Analyze(context.Background(), "s1", Request{TaskID: "t"}, sink)
	require.Error(t, err)

	assert.Equal(t, []stream.EventType{stream.EventStart, stream.EventError}, sink.types())
	assert.Equal(t, stream.StatusFailed, stream.StatusFor(sink.events[1]))
}

func TestAnalyzeCancelled(t *testing.T) {
	fm := &fakeModel{chunks: []string{"never"}}
	svc := newTestService(t, fm, true)
	sink := &sinkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Analyze(ctx, "s1", Request{TaskID: "t"}, sink)
	require.Error(t, err)

	types := sink.types()
	require.NotEmpty(t, types)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, stream.StatusCancelled, stream.StatusFor(last))
}

func TestPromptManagerFallsBackToExplain(t *testing.T) {
	pm := NewPromptManager()
	assert.Equal(t, pm.BuildSystemPrompt("explain"), pm.BuildSystemPrompt("unknown"))
	assert.Contains(t, pm.BuildSystemPrompt("hint"), "Never print the output grid")

	query := pm.BuildQuery("abc", "", "  focus on colours ")
	assert.Equal(t, "Puzzle abc.\n\nAdditional instructions: focus on colours", query)
}
