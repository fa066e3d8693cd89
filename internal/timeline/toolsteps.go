package timeline

import (
	"encoding/json"

	"github.com/hedgedesk/console/internal/domain"
)

// toolCallPayload is the subset of a tool_call item payload the
// summarizer reads.
type toolCallPayload struct {
	ToolUseID  string          `json:"tool_use_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
	DurationMs int64           `json:"duration_ms"`
}

// toolResultPayload is the subset of a tool_result item payload the
// summarizer reads.
type toolResultPayload struct {
	ToolUseID  string          `json:"tool_use_id"`
	Name       string          `json:"name"`
	Output     json.RawMessage `json:"output"`
	Success    *bool           `json:"success"`
	Error      string          `json:"error"`
	DurationMs int64           `json:"duration_ms"`
}

// SummarizeToolSteps projects a run's items into an ordered workflow
// view. A tool_call opens a step in queued status. A tool_result pairs
// with the step carrying the same tool_use_id when one is present and
// unresolved; otherwise it pairs with the first unresolved step (results
// are assumed to resolve calls in issue order). A result with no open
// step stands alone. While the run is still running, the first remaining
// queued step is promoted to running for display.
func SummarizeToolSteps(run domain.TimelineRun) []domain.ToolStep {
	var steps []domain.ToolStep
	byUseID := make(map[string]int)

	for _, item := range run.Items {
		switch item.Kind {
		case domain.ItemKindToolCall:
			var call toolCallPayload
			if len(item.Payload) > 0 {
				_ = json.Unmarshal(item.Payload, &call)
			}
			step := domain.ToolStep{
				ID:         item.ID,
				Name:       item.Text,
				Input:      call.Input,
				Status:     domain.StepQueued,
				DurationMs: call.DurationMs,
			}
			if call.Name != "" {
				step.Name = call.Name
			}
			steps = append(steps, step)
			if call.ToolUseID != "" {
				byUseID[call.ToolUseID] = len(steps) - 1
			}

		case domain.ItemKindToolResult:
			var result toolResultPayload
			if len(item.Payload) > 0 {
				_ = json.Unmarshal(item.Payload, &result)
			}
			status := domain.StepCompleted
			if (result.Success != nil && !*result.Success) || result.Error != "" {
				status = domain.StepFailed
			}

			idx := -1
			if result.ToolUseID != "" {
				if i, ok := byUseID[result.ToolUseID]; ok && unresolved(steps[i].Status) {
					idx = i
				}
			}
			if idx < 0 {
				idx = firstUnresolved(steps)
			}
			if idx < 0 {
				name := item.Text
				if result.Name != "" {
					name = result.Name
				}
				steps = append(steps, domain.ToolStep{
					ID:         item.ID,
					Name:       name,
					Output:     result.Output,
					Status:     status,
					DurationMs: result.DurationMs,
				})
				continue
			}

			steps[idx].Status = status
			steps[idx].Output = result.Output
			if result.DurationMs > 0 {
				// Prefer the result's duration over the call's.
				steps[idx].DurationMs = result.DurationMs
			}
		}
	}

	if run.Status == domain.RunStatusRunning {
		for i := range steps {
			if steps[i].Status == domain.StepQueued {
				steps[i].Status = domain.StepRunning
				break
			}
		}
	}
	return steps
}

func unresolved(status domain.StepStatus) bool {
	return status == domain.StepQueued || status == domain.StepRunning
}

func firstUnresolved(steps []domain.ToolStep) int {
	for i := range steps {
		if unresolved(steps[i].Status) {
			return i
		}
	}
	return -1
}
