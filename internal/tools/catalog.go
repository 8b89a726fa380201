package tools

import (
	"log/slog"

	"github.com/samsaffron/nohup/internal/llm"
	"github.com/samsaffron/nohup/internal/memory"
)

// CatalogOptions selects the server tools to register. Nil entries are
// skipped.
type CatalogOptions struct {
	Search  *WebSearchTool
	Memory  *memory.Store
	Browser *BrowserTool
	// Extra holds additional server tools, such as those discovered on MCP
	// servers. A name already taken by a built-in tool is skipped.
	Extra  []llm.Tool
	Logger *slog.Logger
}

// NewCatalog builds the tool registry: server tools, the client tools and
// the two flow-control tools.
func NewCatalog(opts CatalogOptions) *llm.ToolRegistry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := llm.NewToolRegistry()

	if opts.Search != nil {
		reg.Register(opts.Search)
	}
	if opts.Memory != nil {
		reg.Register(NewAddMemoryTool(opts.Memory))
		reg.Register(NewFetchMemoryTool(opts.Memory))
	}
	if opts.Browser != nil {
		reg.Register(opts.Browser)
	}
	for _, spec := range ClientSpecs() {
		reg.RegisterClient(spec)
	}
	reg.RegisterFlow(AskUserSpec(), llm.FlowAskUser)
	reg.RegisterFlow(TerminateSpec(), llm.FlowTerminate)

	for _, tool := range opts.Extra {
		name := tool.Spec().Name
		if reg.Has(name) {
			logger.Warn("skipping tool with duplicate name", "tool", name)
			continue
		}
		reg.Register(tool)
	}
	return reg
}
