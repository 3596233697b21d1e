package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/local/remy/internal/apperr"
)

// Filesystem tool executors, sandboxed to the configured allowed base
// directories (spec.md §6). Every path is resolved and prefix-checked before
// any I/O; file contents are untrusted and tag-escaped on read.

const maxReadBytes = 10_000

// resolveSandboxed cleans path and verifies it lives under one of the
// allowed base directories, rejecting traversal before any file is opened.
func resolveSandboxed(allowed []string, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", apperr.Validation("empty path")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", apperr.Validation("unresolvable path")
	}
	for _, base := range allowed {
		baseAbs, err := filepath.Abs(filepath.Clean(base))
		if err != nil {
			continue
		}
		if abs == baseAbs || strings.HasPrefix(abs, baseAbs+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", apperr.Validation(fmt.Sprintf("path %q is outside the allowed directories", path))
}

func registerFileTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "read_file",
		Description: "Read a text file from one of the allowed directories.",
		Parameters: objSchema(map[string]any{
			"path": prop("string", "File path."),
		}, "path"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			path, err := resolveSandboxed(deps.AllowedDirs, strInput(input, "path"))
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			content := string(data)
			if len(content) > maxReadBytes {
				content = content[:maxReadBytes] + "\n[truncated]"
			}
			return escapeUntrusted(deps, "file", content), nil
		},
	})

	r.Register(Definition{
		Name:        "write_file",
		Description: "Write text to a file in one of the allowed directories.",
		Parameters: objSchema(map[string]any{
			"path":    prop("string", "File path."),
			"content": prop("string", "Text content to write."),
		}, "path", "content"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			path, err := resolveSandboxed(deps.AllowedDirs, strInput(input, "path"))
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			content := strInput(input, "content")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Wrote %d bytes to %s", len(content), path), nil
		},
	})

	r.Register(Definition{
		Name:        "list_directory",
		Description: "List the entries of a directory in one of the allowed directories.",
		Parameters: objSchema(map[string]any{
			"path": prop("string", "Directory path."),
		}, "path"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			path, err := resolveSandboxed(deps.AllowedDirs, strInput(input, "path"))
			if err != nil {
				return "", err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var lines []string
			for _, e := range entries {
				name := e.Name()
				if e.IsDir() {
					name += "/"
				}
				lines = append(lines, "• "+name)
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	r.Register(Definition{
		Name:        "find_files",
		Description: "Find files by name pattern under one of the allowed directories.",
		Parameters: objSchema(map[string]any{
			"path":    prop("string", "Directory to search under."),
			"pattern": prop("string", "Glob pattern matched against file names, e.g. *.pdf."),
		}, "path", "pattern"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			root, err := resolveSandboxed(deps.AllowedDirs, strInput(input, "path"))
			if err != nil {
				return "", err
			}
			pattern := strInput(input, "pattern")
			if pattern == "" {
				pattern = "*"
			}
			var matches []string
			walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil // skip unreadable entries
				}
				if d.IsDir() {
					return nil
				}
				if ok, _ := filepath.Match(pattern, d.Name()); ok {
					matches = append(matches, p)
				}
				if len(matches) >= 50 {
					return fs.SkipAll
				}
				return nil
			})
			if walkErr != nil {
				return "", walkErr
			}
			if len(matches) == 0 {
				return fmt.Sprintf("No files matching %q under %s.", pattern, root), nil
			}
			return fmt.Sprintf("Found %d file(s):\n• %s", len(matches), strings.Join(matches, "\n• ")), nil
		},
	})
}
