package streamclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

const maxFrameBytes = 16 * 1024 * 1024

// readEvents parses an SSE body and hands each decoded event to fn until fn
// returns false or the body ends. Comment lines (keep-alives) are skipped.
func readEvents(body io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var (
		name string
		data []string
	)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// 空行表示一帧结束
			if len(data) > 0 {
				ev, ok := decodeFrame(name, strings.Join(data, "\n"))
				if ok && !fn(ev) {
					return nil
				}
			}
			name, data = "", nil
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "":
			// comment
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan SSE stream: %w", err)
	}
	return nil
}

func decodeFrame(name, data string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		log.Printf("[streamclient] skipping undecodable %q frame: %v", name, err)
		return Event{}, false
	}
	if ev.Type == "" {
		ev.Type = name
	}
	return ev, true
}
