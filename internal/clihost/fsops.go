package clihost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mobvibe/mobvibe/internal/wire"
)

// maxFileReadBytes caps rpc:fs:read payloads.
const maxFileReadBytes = 1 << 20

func (m *Manager) sessionCwd(sessionID string) (string, *wire.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", wire.ErrSessionNotFound(sessionID)
	}
	return s.info.Cwd, nil
}

// resolvePath anchors a browse path inside the session working directory and
// rejects traversal outside it.
func resolvePath(cwd, path string) (string, *wire.Error) {
	if cwd == "" {
		return "", wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false,
			"session has no working directory")
	}
	resolved := filepath.Join(cwd, filepath.Clean("/"+path))
	rel, err := filepath.Rel(cwd, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", wire.NewError(wire.CodeRequestValidation, wire.ScopeRequest, false,
			"path escapes session directory")
	}
	return resolved, nil
}

type fileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

type listFilesResult struct {
	Path    string      `json:"path"`
	Entries []fileEntry `json:"entries"`
}

func (m *Manager) listFiles(params wire.FsParams) (json.RawMessage, error) {
	cwd, werr := m.sessionCwd(params.SessionID)
	if werr != nil {
		return nil, werr
	}
	dir, werr := resolvePath(cwd, params.Path)
	if werr != nil {
		return nil, werr
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", params.Path, err)
	}

	out := listFilesResult{Path: params.Path, Entries: make([]fileEntry, 0, len(entries))}
	for _, entry := range entries {
		fe := fileEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			fe.Size = info.Size()
		}
		out.Entries = append(out.Entries, fe)
	}
	return json.Marshal(out)
}

type readFileResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

func (m *Manager) readFile(params wire.FsParams) (json.RawMessage, error) {
	cwd, werr := m.sessionCwd(params.SessionID)
	if werr != nil {
		return nil, werr
	}
	file, werr := resolvePath(cwd, params.Path)
	if werr != nil {
		return nil, werr
	}

	content, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", params.Path, err)
	}

	truncated := false
	if len(content) > maxFileReadBytes {
		content = content[:maxFileReadBytes]
		truncated = true
	}
	return json.Marshal(readFileResult{Path: params.Path, Content: string(content), Truncated: truncated})
}

type gitResult struct {
	Output string `json:"output"`
}

func (m *Manager) runGit(ctx context.Context, sessionID string, args ...string) (json.RawMessage, error) {
	cwd, werr := m.sessionCwd(sessionID)
	if werr != nil {
		return nil, werr
	}

	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", cwd}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s failed: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return json.Marshal(gitResult{Output: stdout.String()})
}

func (m *Manager) gitStatus(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return m.runGit(ctx, sessionID, "status", "--porcelain=v1", "--branch")
}

func (m *Manager) gitDiff(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return m.runGit(ctx, sessionID, "diff")
}
