package agent

import (
	"context"

	"github.com/nidhogg/finresearch/internal/mcp"
	"go.uber.org/zap"
)

// MCPToolSource is the part of an MCP client the registry needs.
type MCPToolSource interface {
	Name() string
	ListTools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// RegisterMCPTools registers every tool advertised by the sources. When two
// servers expose the same name the later one wins and a warning is logged.
// It returns the number of tools registered.
func RegisterMCPTools(reg *Registry, sources []MCPToolSource, logger *zap.Logger) int {
	count := 0
	for _, src := range sources {
		for _, t := range src.ListTools() {
			if reg.Has(t.Name) {
				logger.Warn("MCP tool shadows an existing tool",
					zap.String("server", src.Name()), zap.String("tool", t.Name))
			}
			src, toolName := src, t.Name
			err := reg.Register(ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
				Handler: func(ctx context.Context, args map[string]any, _ string) (string, error) {
					return src.CallTool(ctx, toolName, args)
				},
			})
			if err != nil {
				logger.Warn("skip MCP tool", zap.String("server", src.Name()),
					zap.String("tool", t.Name), zap.Error(err))
				continue
			}
			count++
		}
	}
	return count
}
