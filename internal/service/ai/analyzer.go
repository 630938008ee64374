package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/arc-relay/backend/internal/config"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

// Sink receives the events of a session.
type Sink interface {
	Send(sessionID string, ev stream.Event) error
}

// Request describes one puzzle analysis.
type Request struct {
	TaskID       string
	ModelKey     string
	Mode         string
	Task         string
	Instructions string
}

// Service streams puzzle analyses from the chat model.
type Service struct {
	cfg     config.AIConfig
	chain   compose.Runnable[map[string]any, *schema.Message]
	prompts *PromptManager
	limit   int
}

// NewService creates the analyzer from the Ark configuration.
func NewService(ctx context.Context, cfg config.AIConfig, errorLimit int) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg, errorLimit)
}

// NewServiceWithModel creates the analyzer on top of an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig, errorLimit int) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile analysis chain: %w", err)
	}

	return &Service{
		cfg:     cfg,
		chain:   runnable,
		prompts: NewPromptManager(),
		limit:   errorLimit,
	}, nil
}

// StreamingEnabled 指示是否逐段推送模型输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Analyze runs one analysis and emits start, progress deltas and exactly one
// terminal event to sink. The returned error mirrors the terminal error event.
func (s *Service) Analyze(ctx context.Context, sessionID string, req Request, sink Sink) error {
	started := time.Now()
	emit := func(ev stream.Event) {
		if err := sink.Send(sessionID, ev); err != nil {
			log.Printf("[ai] session=%s send %s failed: %v", sessionID, ev.Type, err)
		}
	}

	emit(stream.NewEvent(stream.EventStart, map[string]any{
		"taskId":   req.TaskID,
		"modelKey": req.ModelKey,
		"mode":     s.mode(req.Mode),
	}))

	input := map[string]any{
		"system": s.prompts.BuildSystemPrompt(req.Mode),
		"query":  s.prompts.BuildQuery(req.TaskID, req.Task, req.Instructions),
	}
	var opts []compose.Option
	if req.ModelKey != "" && req.ModelKey != "default" {
		opts = append(opts, compose.WithChatModelOption(model.WithModel(req.ModelKey)))
	}

	var (
		text string
		err  error
	)
	if s.StreamingEnabled() {
		text, err = s.stream(ctx, input, opts, emit)
	} else {
		var msg *schema.Message
		msg, err = s.chain.Invoke(ctx, input, opts...)
		if err == nil {
			text = msg.Content
		}
	}

	if err != nil {
		emit(s.errorEvent(ctx, err))
		return fmt.Errorf("analyze %s: %w", req.TaskID, err)
	}

	emit(stream.NewEvent(stream.EventFinal, map[string]any{
		"taskId":    req.TaskID,
		"modelKey":  req.ModelKey,
		"text":      text,
		"elapsedMs": time.Since(started).Milliseconds(),
	}))
	log.Printf("[ai] analyzed task=%s session=%s length=%d", req.TaskID, sessionID, len(text))
	return nil
}

func (s *Service) stream(ctx context.Context, input map[string]any, opts []compose.Option, emit func(stream.Event)) (string, error) {
	reader, err := s.chain.Stream(ctx, input, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to stream analysis: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}

		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		full.WriteString(chunk.Content)
		emit(stream.NewEvent(stream.EventProgress, map[string]any{
			"phase": "generating",
			"text":  chunk.Content,
		}))
	}
}

func (s *Service) errorEvent(ctx context.Context, err error) stream.Event {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return stream.ErrorEvent("analysis timed out", s.limit, map[string]any{"timedOut": true})
	case ctx.Err() != nil:
		return stream.ErrorEvent("analysis cancelled", s.limit, map[string]any{"cancelled": true})
	default:
		return stream.ErrorEvent(err.Error(), s.limit, nil)
	}
}

func (s *Service) mode(mode string) string {
	if _, ok := s.prompts.templates[mode]; ok {
		return mode
	}
	return defaultMode
}
