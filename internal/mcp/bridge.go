package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/toolwire/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeTools lists the client's catalog and registers each tool on
// registry as "<server>_<tool>". Call it once per attach; tools from a
// previous attach of the same server are removed first.
//
// If include is non-empty only the named tools are registered;
// otherwise tools named in exclude are skipped.
//
// BridgeTools returns the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, registry *tools.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	server := client.Name()

	descs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", server, err)
	}

	if n := registry.Unregister(server); n > 0 {
		logger.Debug("removed previously bridged tools", "server", server, "count", n)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range descs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(server, td.Name)
		registry.Register(bridgeTool(client, name, td))
		count++

		logger.Debug("bridged tool", "server", server, "remote_name", name, "tool", td.Name)
	}
	return count, nil
}

// ToolName builds the registry name for a remote tool. Both parts are
// sanitized to lowercase alphanumerics and underscores.
func ToolName(server, tool string) string {
	return sanitize(server) + "_" + sanitize(tool)
}

// bridgeTool creates a registry entry that invokes the remote tool.
func bridgeTool(client *Client, name string, td ToolDescriptor) *tools.Tool {
	remote := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Source:      client.Name(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := client.Invoke(ctx, remote, args)
			if err != nil {
				return "", err
			}
			return res.Text(), nil
		},
	}
}

// sanitize lowercases name, maps everything outside [a-z0-9_] to an
// underscore, collapses runs and trims the ends.
func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
