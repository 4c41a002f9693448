package bunrui

import (
	"time"

	"github.com/google/uuid"
)

// Built-in tool-type classification codes. Code 0 marks an ordinary
// application run; every other code marks a run produced by an AI generation
// tool. Deployments may register further codes via WithToolType or the
// BUNRUI_TOOL_TYPES env var.
const (
	ToolTypeRegularApp           = 0
	ToolTypeAgentGenerator       = 1
	ToolTypeSkillGenerator       = 2
	ToolTypeRoundTableSummary    = 3
	ToolTypeRoundTableTargetData = 4
)

// Run is the public representation of an application run.
// It is a curated view of internal/model.RunRecord for use in extension
// interfaces. No internal package imports — safe to use from outside the
// module.
type Run struct {
	ID        uuid.UUID
	AppID     string
	ToolType  int
	Status    string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsAITool reports whether this run was produced by an AI generation tool
// rather than a regular application.
func (r Run) IsAITool() bool {
	return r.ToolType != ToolTypeRegularApp
}
