package workerpool

import (
	"encoding/json"
	"fmt"
)

const workerInstructionsTemplate = `# Task worker instructions

task_id: %s
workspace_root: %s

## Your assignment

%s

## Rules

- Start by reading README.md at the workspace root to understand what already exists.
- Pick an existing project subfolder if one fits, or create a new one — don't work at the workspace root.
- Avoid interactive or blocking commands: run dev servers backgrounded, never ` + "`git commit`" + ` without ` + "`-m`" + `.
- Call the ` + "`task_check_inbox`" + ` tool periodically to pick up instructions, pauses, or cancellation.
- When you believe the task is complete, report it with the ` + "`task_report`" + ` tool, then keep calling
  ` + "`task_check_inbox`" + ` in a wait loop for up to 10 minutes — the supervisor may ask for fixes.
`

const supervisorInstructionsTemplate = `# Task supervisor instructions

task_id: %s
worker_session_id: %s

## Original assignment given to the worker

%s

## Supervisor instructions

%s

## Verification rules

- Inspect the worker's workspace under ./workers-workspace before accepting a completion report.
- Verify claimed deliverables actually exist and look reasonable; don't accept a report at face value.
- Use ` + "`task_send_message`" + ` to instruct, pause, resume, or redirect the worker as needed.
- Report your own assessment with the ` + "`task_report`" + ` tool (type ` + "`assessment`" + `).
`

// renderWorkerInstructions builds workspace/.github/copilot-instructions.md
// content for a worker, per §4.8.1 point 3.
func renderWorkerInstructions(taskID, workspaceRoot, prompt string) string {
	return fmt.Sprintf(workerInstructionsTemplate, taskID, workspaceRoot, prompt)
}

// renderSupervisorInstructions builds supervisor/.github/copilot-instructions.md
// content, per §4.8.3.
func renderSupervisorInstructions(taskID, workerSessionID, prompt, supervisorInstructions string) string {
	return fmt.Sprintf(supervisorInstructionsTemplate, taskID, workerSessionID, prompt, supervisorInstructions)
}

// mcpConfig is the shape of copilot-mcp-config.json: a pointer at the local
// tool server tagged with task_id/role, plus any user-installed servers
// merged in unchanged.
type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	URL string `json:"url"`
}

// renderMCPConfig builds copilot-mcp-config.json content pointing at
// toolServerURL (already base, without query) tagged with task_id and role,
// merging in any entries from userServers untouched.
func renderMCPConfig(toolServerURL, taskID, role string, userServers map[string]mcpServerEntry) ([]byte, error) {
	cfg := mcpConfig{MCPServers: make(map[string]mcpServerEntry)}
	for name, entry := range userServers {
		cfg.MCPServers[name] = entry
	}
	cfg.MCPServers["relaytask"] = mcpServerEntry{
		URL: fmt.Sprintf("%s?task_id=%s&role=%s", toolServerURL, taskID, role),
	}
	return json.MarshalIndent(cfg, "", "  ")
}
