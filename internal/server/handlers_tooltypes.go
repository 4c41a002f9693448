package server

import (
	"net/http"

	"github.com/ashita-ai/bunrui/internal/tooltype"
)

// toolTypeView is the API shape of one registered classification code.
type toolTypeView struct {
	Code        int    `json:"code"`
	Name        string `json:"name"`
	IsAITool    bool   `json:"is_ai_tool"`
	DispatchKey string `json:"dispatch_key,omitempty"`
	Kind        string `json:"kind"`
}

// HandleListToolTypes handles GET /v1/tool-types.
//
// The registry is read-only at runtime: new codes arrive through deployment
// configuration, never through this API, so there is no POST counterpart.
func (h *Handlers) HandleListToolTypes(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	views := make([]toolTypeView, len(all))
	for i, t := range all {
		views[i] = toolTypeView{
			Code:        t.Code,
			Name:        t.Name,
			IsAITool:    t.IsAITool(),
			DispatchKey: t.DispatchKey,
			Kind:        tooltype.KindOf(t.Code).String(),
		}
	}
	writeJSON(w, r, http.StatusOK, views)
}
