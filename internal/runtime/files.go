package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileTools provides file read/write/edit capabilities within a workspace.
type FileTools struct {
	workspacePath string
}

// NewFileTools creates a new FileTools instance.
// If workspacePath is empty, file tools will be disabled.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return ft.workspacePath != ""
}

// resolvePath converts a path to an absolute path within the workspace.
// Returns an error if the path would escape the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	if ft.workspacePath == "" {
		return "", fmt.Errorf("workspace not configured")
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("empty path")
	}

	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Join(workspaceAbs, path)
	}

	rel, err := filepath.Rel(workspaceAbs, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// Read reads a file. offset is a 1-indexed start line and limit a line
// count; zero means unbounded.
func (ft *FileTools) Read(_ context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	const maxBytes = 50 * 1024
	if len(content) > maxBytes {
		content = content[:maxBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write writes content to a file, creating directories as needed, and
// returns the absolute path written.
func (ft *FileTools) Write(_ context.Context, path, content string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return absPath, nil
}

// Edit applies text replacements to a file. Each old text must occur
// exactly once. Either all edits apply or none do.
func (ft *FileTools) Edit(_ context.Context, path string, edits [][2]string) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	content := string(data)
	for i, e := range edits {
		oldText, newText := e[0], e[1]
		if oldText == "" {
			return "", fmt.Errorf("edit %d: empty old text", i+1)
		}
		switch n := strings.Count(content, oldText); n {
		case 0:
			if len(oldText) > 100 {
				return "", fmt.Errorf("edit %d: old text not found in file (first 100 chars: %q...)", i+1, oldText[:100])
			}
			return "", fmt.Errorf("edit %d: old text not found in file: %q", i+1, oldText)
		case 1:
			content = strings.Replace(content, oldText, newText, 1)
		default:
			return "", fmt.Errorf("edit %d: old text appears %d times in file; must be unique for safe editing", i+1, n)
		}
	}

	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return absPath, nil
}

// List lists a directory. Subdirectories carry a trailing slash.
func (ft *FileTools) List(_ context.Context, path string) ([]string, error) {
	if path == "" {
		path = "."
	}
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}

// Register adds the file tools to r.
func (ft *FileTools) Register(r *Registry) {
	write := func(ctx context.Context, args map[string]any) (Output, error) {
		path, err := requireString(args, "path")
		if err != nil {
			return Output{}, err
		}
		content := argString(args, "content")
		abs, err := ft.Write(ctx, path, content)
		if err != nil {
			return Output{}, err
		}
		return Output{
			Content:  fmt.Sprintf("wrote %d bytes to %s", len(content), path),
			Filepath: abs,
		}, nil
	}

	r.Register(&Tool{
		Name:        "write_code",
		Description: "Write a source file in the workspace, replacing it if it exists.",
		Params:      []string{"path", "content"},
		Handler:     write,
	})
	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write any file in the workspace, replacing it if it exists.",
		Params:      []string{"path", "content"},
		Handler:     write,
	})

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a workspace file. offset is the 1-indexed first line, limit the number of lines.",
		Params:      []string{"path", "offset", "limit"},
		Handler: func(ctx context.Context, args map[string]any) (Output, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return Output{}, err
			}
			offset, err := argInt(args, "offset")
			if err != nil {
				return Output{}, err
			}
			limit, err := argInt(args, "limit")
			if err != nil {
				return Output{}, err
			}
			content, err := ft.Read(ctx, path, offset, limit)
			return Output{Content: content}, err
		},
	})

	r.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace text in a workspace file. Give old and new, or several <edit> elements each with old and new.",
		Params:      []string{"path", "old", "new", "edit"},
		Handler: func(ctx context.Context, args map[string]any) (Output, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return Output{}, err
			}
			edits, err := editPairs(args)
			if err != nil {
				return Output{}, err
			}
			abs, err := ft.Edit(ctx, path, edits)
			if err != nil {
				return Output{}, err
			}
			return Output{Content: fmt.Sprintf("applied %d edit(s) to %s", len(edits), path), Filepath: abs}, nil
		},
	})

	r.Register(&Tool{
		Name:        "list_files",
		Description: "List a workspace directory.",
		Params:      []string{"path"},
		Handler: func(ctx context.Context, args map[string]any) (Output, error) {
			names, err := ft.List(ctx, argString(args, "path"))
			if err != nil {
				return Output{}, err
			}
			if len(names) == 0 {
				return Output{Content: "(empty directory)"}, nil
			}
			return Output{Content: strings.Join(names, "\n")}, nil
		},
	})
}

// editPairs collects old/new pairs from either top-level old and new
// params or one or more nested edit elements.
func editPairs(args map[string]any) ([][2]string, error) {
	if old := argString(args, "old"); old != "" {
		return [][2]string{{old, argString(args, "new")}}, nil
	}

	var items []any
	switch v := args["edit"].(type) {
	case map[string]any:
		items = []any{v}
	case []any:
		items = v
	case nil:
		return nil, fmt.Errorf("missing required parameter %q or %q", "old", "edit")
	default:
		return nil, fmt.Errorf("edit must contain old and new elements")
	}

	pairs := make([][2]string, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("edit %d must contain old and new elements", i+1)
		}
		pairs = append(pairs, [2]string{argString(m, "old"), argString(m, "new")})
	}
	return pairs, nil
}
