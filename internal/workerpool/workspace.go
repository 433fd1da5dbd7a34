package workerpool

import (
	"os"
	"path/filepath"
)

// excludedRootEntries are root-workspace entries that never get linked into
// a task workspace: task-internal bookkeeping and the tool-server config
// the pool writes itself.
var excludedRootEntries = map[string]bool{
	".github":                 true,
	".data":                   true,
	".tasks":                  true,
	"copilot-mcp-config.json": true,
}

func isExcludedRootEntry(name string) bool {
	return excludedRootEntries[name]
}

// linkRootEntry creates one link of a root-workspace entry inside dstDir:
// a hard link for files, a symlink for directories (the POSIX and Windows
// junction-equivalent via os.Symlink). It is a no-op if the link already
// exists.
func linkRootEntry(rootPath, dstDir, name string) error {
	src := filepath.Join(rootPath, name)
	dst := filepath.Join(dstDir, name)
	if _, err := os.Lstat(dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.Symlink(src, dst)
	}
	return os.Link(src, dst)
}

// LinkRootWorkspace links every non-excluded top-level entry of root into
// workspaceDir, giving the worker visibility of README.md, project
// folders, etc. without exposing task internals. Returns the set of names
// it linked, for ReconcileWorkspace to track.
func LinkRootWorkspace(root, workspaceDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool)
	for _, e := range entries {
		if isExcludedRootEntry(e.Name()) {
			continue
		}
		if err := linkRootEntry(root, workspaceDir, e.Name()); err != nil {
			continue
		}
		linked[e.Name()] = true
	}
	return linked, nil
}

// ReconcileWorkspace bidirectionally reconciles workspaceDir against root:
// it forward-links any root entry created since the last pass, and for any
// top-level entry inside workspaceDir that isn't a known link (i.e. a real
// file or directory the agent created directly in its workspace), it moves
// that entry out to root and replaces it with a link — so project files
// the worker created end up in the shared root instead of being lost when
// the task workspace is cleaned up. known is mutated in place and should be
// the same map across calls for one task.
func ReconcileWorkspace(root, workspaceDir string, known map[string]bool) error {
	rootEntries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range rootEntries {
		name := e.Name()
		if isExcludedRootEntry(name) || known[name] {
			continue
		}
		if err := linkRootEntry(root, workspaceDir, name); err == nil {
			known[name] = true
		}
	}

	wsEntries, err := os.ReadDir(workspaceDir)
	if err != nil {
		return err
	}
	for _, e := range wsEntries {
		name := e.Name()
		if isExcludedRootEntry(name) || known[name] {
			continue
		}
		wsPath := filepath.Join(workspaceDir, name)
		fi, err := os.Lstat(wsPath)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			// A link we didn't create ourselves this run (e.g. pre-existing
			// from a prior worker invocation); just track it.
			known[name] = true
			continue
		}
		rootPath := filepath.Join(root, name)
		if _, err := os.Stat(rootPath); err == nil {
			// Root already has an entry of this name; leave the workspace
			// copy alone rather than clobbering it.
			known[name] = true
			continue
		}
		if err := os.Rename(wsPath, rootPath); err != nil {
			continue
		}
		if err := linkRootEntry(root, workspaceDir, name); err != nil {
			continue
		}
		known[name] = true
	}
	return nil
}
