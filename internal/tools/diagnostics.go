package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Diagnostics tool executors, grounded on
// original_source/remy/ai/tools/memory.py's exec_get_logs/exec_check_status:
// check_status reports provider reachability and queue depth; get_logs tails
// the rotating text logs the logging collaborator writes under
// <data_dir>/logs (spec.md §6 persisted-state layout).

const (
	maxLogBytes    = 64 * 1024
	defaultLogTail = 30
)

func registerDiagnosticsTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "check_status",
		Description: "Check system health: LLM provider reachability and outbound queue depth.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			var lines []string
			if deps.ProviderStatus != nil {
				statuses := deps.ProviderStatus(ctx)
				names := make([]string, 0, len(statuses))
				for name := range statuses {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					lines = append(lines, fmt.Sprintf("• provider %s: %s", name, statuses[name]))
				}
			}
			if deps.QueueDepth != nil {
				pending, failed, err := deps.QueueDepth(ctx)
				if err != nil {
					lines = append(lines, fmt.Sprintf("• outbound queue: unavailable (%v)", err))
				} else {
					lines = append(lines, fmt.Sprintf("• outbound queue: %d pending, %d failed", pending, failed))
				}
			}
			if len(lines) == 0 {
				return "Status checks not configured.", nil
			}
			return "System status:\n" + strings.Join(lines, "\n"), nil
		},
	})

	r.Register(Definition{
		Name:        "get_logs",
		Description: "Read the assistant's recent logs: a summary, the last lines, or errors only.",
		Parameters: objSchema(map[string]any{
			"mode":  enumProp("What to show.", "summary", "tail", "errors"),
			"lines": prop("integer", "Max lines to show (default 30)."),
		}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			logLines, name, err := readLatestLog(filepath.Join(deps.DataDir, "logs"))
			if err != nil {
				return "", err
			}
			if len(logLines) == 0 {
				return "No log files found.", nil
			}
			limit := int(intInput(input, "lines"))
			if limit <= 0 || limit > 200 {
				limit = defaultLogTail
			}

			switch strInput(input, "mode") {
			case "errors":
				var errLines []string
				for _, l := range logLines {
					if strings.Contains(strings.ToLower(l), "error") {
						errLines = append(errLines, l)
					}
				}
				if len(errLines) == 0 {
					return fmt.Sprintf("No errors in %s.", name), nil
				}
				return fmt.Sprintf("Errors in %s (%d):\n%s", name, len(errLines),
					escapeUntrusted(deps, "logs", strings.Join(tailLines(errLines, limit), "\n"))), nil
			case "tail":
				return fmt.Sprintf("Last %d lines of %s:\n%s", min(limit, len(logLines)), name,
					escapeUntrusted(deps, "logs", strings.Join(tailLines(logLines, limit), "\n"))), nil
			default:
				warns, errs := 0, 0
				for _, l := range logLines {
					lower := strings.ToLower(l)
					if strings.Contains(lower, "error") {
						errs++
					} else if strings.Contains(lower, "warn") {
						warns++
					}
				}
				var b strings.Builder
				fmt.Fprintf(&b, "Log summary for %s:\n• %d lines, %d warnings, %d errors\n• Last lines:\n",
					name, len(logLines), warns, errs)
				b.WriteString(escapeUntrusted(deps, "logs", strings.Join(tailLines(logLines, 5), "\n")))
				return b.String(), nil
			}
		},
	})
}

// readLatestLog tails the most recently modified file under dir, returning
// its non-empty lines (bounded by maxLogBytes) and its base name.
func readLatestLog(dir string) ([]string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().UnixNano() > newestMod {
			newest = e.Name()
			newestMod = info.ModTime().UnixNano()
		}
	}
	if newest == "" {
		return nil, "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxLogBytes {
		data = data[len(data)-maxLogBytes:]
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines, newest, nil
}

func tailLines(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}
