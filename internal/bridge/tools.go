package bridge

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/webbrain/internal/kernelerr"
)

// RegisterLocalTools seeds the in-process tool-execution server with the
// canonical local filesystem and shell handlers, rooted at workspace. Paths
// are confined to the workspace; escapes reject with E_AUTH.
func RegisterLocalTools(s *Server, workspace string) {
	resolve := func(args map[string]any) (string, error) {
		p, _ := args["path"].(string)
		if p == "" {
			return "", kernelerr.New(kernelerr.CodeArgs, "missing required parameter: path")
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspace, p)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", kernelerr.New(kernelerr.CodeArgs, "bad path: "+err.Error())
		}
		root, err := filepath.Abs(workspace)
		if err != nil {
			return "", kernelerr.New(kernelerr.CodeInternal, err.Error())
		}
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", kernelerr.New(kernelerr.CodeAuth, "path escapes the workspace")
		}
		return abs, nil
	}

	s.RegisterTool("read_file", func(_ context.Context, args map[string]any) (any, error) {
		path, err := resolve(args)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, kernelerr.New(kernelerr.CodeArgs, "read failed: "+err.Error())
		}
		return map[string]any{"content": string(data)}, nil
	})

	s.RegisterTool("write_file", func(_ context.Context, args map[string]any) (any, error) {
		path, err := resolve(args)
		if err != nil {
			return nil, err
		}
		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "mkdir failed: "+err.Error())
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "write failed: "+err.Error())
		}
		return map[string]any{"written": len(content)}, nil
	})

	s.RegisterTool("edit_file", func(_ context.Context, args map[string]any) (any, error) {
		path, err := resolve(args)
		if err != nil {
			return nil, err
		}
		oldStr, _ := args["old_string"].(string)
		newStr, _ := args["new_string"].(string)
		if oldStr == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "missing required parameter: old_string")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, kernelerr.New(kernelerr.CodeArgs, "read failed: "+err.Error())
		}
		content := string(data)
		if !strings.Contains(content, oldStr) {
			return nil, kernelerr.New(kernelerr.CodeArgs, "old_string not found in file")
		}
		content = strings.Replace(content, oldStr, newStr, 1)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, kernelerr.New(kernelerr.CodeInternal, "write failed: "+err.Error())
		}
		return map[string]any{"edited": true}, nil
	})

	s.RegisterTool("list_files", func(_ context.Context, args map[string]any) (any, error) {
		path, err := resolve(args)
		if err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, kernelerr.New(kernelerr.CodeArgs, "list failed: "+err.Error())
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return map[string]any{"entries": names}, nil
	})

	s.RegisterTool("exec", func(ctx context.Context, args map[string]any) (any, error) {
		command, _ := args["command"].(string)
		if command == "" {
			return nil, kernelerr.New(kernelerr.CodeArgs, "missing required parameter: command")
		}
		cwd := workspace
		if c, _ := args["cwd"].(string); c != "" {
			resolved, err := resolve(map[string]any{"path": c})
			if err != nil {
				return nil, err
			}
			cwd = resolved
		}
		timeout := 60 * time.Second
		if t, ok := args["timeout_sec"].(float64); ok && t > 0 {
			timeout = time.Duration(t) * time.Second
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, "sh", "-c", command)
		cmd.Dir = cwd
		out, err := cmd.CombinedOutput()
		result := map[string]any{
			"output":   string(out),
			"exitCode": 0,
		}
		if err != nil {
			if cctx.Err() != nil {
				return nil, kernelerr.Newf(kernelerr.CodeTimeout, "command timed out after %s", timeout)
			}
			if ee, ok := err.(*exec.ExitError); ok {
				result["exitCode"] = ee.ExitCode()
				return result, nil
			}
			return nil, kernelerr.New(kernelerr.CodeInternal, fmt.Sprintf("exec failed: %v", err))
		}
		return result, nil
	})
}
