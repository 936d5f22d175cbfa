package toolserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// errNoReply tells Serve to drop the request without answering.
var errNoReply = errors.New("no reply")

// DefaultTools returns the catalog served when Options.Tools is nil, in
// this order: echo, add, sleep, fail, hang, crash.
func DefaultTools(s *Server) []Tool {
	return []Tool{
		{
			Name:        "echo",
			Description: "Return the given text unchanged",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string", "description": "Text to echo"},
				},
				"required":             []any{"text"},
				"additionalProperties": false,
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text, _ := args["text"].(string)
				return text, nil
			},
		},
		{
			Name:        "add",
			Description: "Add two numbers",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []any{"a", "b"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return strconv.FormatFloat(a+b, 'f', -1, 64), nil
			},
		},
		{
			Name:        "sleep",
			Description: "Wait ms milliseconds, then return tag",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ms":  map[string]any{"type": "integer"},
					"tag": map[string]any{"type": "string"},
				},
				"required": []any{"ms"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				ms, _ := args["ms"].(float64)
				tag, _ := args["tag"].(string)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
					return tag, nil
				case <-ctx.Done():
					return "", errNoReply
				}
			},
		},
		{
			Name:        "fail",
			Description: "Report a tool-level failure",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				msg, _ := args["message"].(string)
				if msg == "" {
					msg = "requested failure"
				}
				return "", fmt.Errorf("%s", msg)
			},
		},
		{
			Name:        "hang",
			Description: "Never respond",
			InputSchema: map[string]any{"type": "object"},
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				<-ctx.Done()
				return "", errNoReply
			},
		},
		{
			Name:        "crash",
			Description: "Terminate the server without responding",
			InputSchema: map[string]any{"type": "object"},
			Handler: func(context.Context, map[string]any) (string, error) {
				s.opts.OnCrash()
				return "", errNoReply
			},
		},
	}
}
