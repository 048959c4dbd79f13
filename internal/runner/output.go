package runner

import (
	"strings"

	"commissioner/internal/task"

	"github.com/tidwall/gjson"
)

// ParseOutput checks a response and returns its JSON document.
// Non-zero exit codes, output that is not JSON and documents with an
// "error" key become an ActionError carrying the raw output.
func ParseOutput(action string, resp Response) (gjson.Result, error) {
	if resp.ExitCode != 0 {
		return gjson.Result{}, &task.ActionError{Action: action, ExitCode: resp.ExitCode, Output: resp.Output}
	}

	doc, ok := lastJSONDocument(resp.Output)
	if !ok {
		return gjson.Result{}, &task.ActionError{Action: action, Output: "invalid JSON output: " + resp.Output}
	}
	if msg := doc.Get("error"); msg.Exists() {
		return doc, &task.ActionError{Action: action, Output: msg.String()}
	}
	return doc, nil
}

// lastJSONDocument accepts either a whole JSON document or log lines followed by one
func lastJSONDocument(output string) (gjson.Result, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed != "" && gjson.Valid(trimmed) {
		return gjson.Parse(trimmed), true
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if gjson.Valid(line) {
			return gjson.Parse(line), true
		}
		break
	}
	return gjson.Result{}, false
}

// BackupSize returns the reported size of a backup in bytes
func BackupSize(doc gjson.Result) int64 {
	return doc.Get("backup_size_in_bytes").Int()
}
