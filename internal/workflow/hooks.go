package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrHookFileHasNULBytes is returned when InstallHook is asked to edit a
// file that looks binary.
var ErrHookFileHasNULBytes = errors.New("workflow: refusing to edit a hook file containing NUL bytes")

const (
	hookMarkerBegin = "# >>> codaph sync >>>"
	hookMarkerEnd   = "# <<< codaph sync <<<"
	defaultShebang  = "#!/usr/bin/env bash\n"
)

// hookBlock returns the marker-delimited block installed into a hook
// file. It guards execution on the codaph CLI binary being on PATH.
func hookBlock(hookName string) string {
	return hookMarkerBegin + "\n" +
		"if command -v codaph >/dev/null 2>&1; then\n" +
		"  codaph hooks run " + hookName + " --quiet || true\n" +
		"fi\n" +
		hookMarkerEnd + "\n"
}

// InstallHook idempotently installs (or updates) the codaph block inside
// the hook file at path, creating it with a minimal bash shebang if it
// does not exist, and ensuring it is executable.
func InstallHook(path, hookName string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read hook file %s: %w", path, err)
		}
		data = []byte(defaultShebang)
	}

	if bytes.IndexByte(data, 0) != -1 {
		return ErrHookFileHasNULBytes
	}

	updated := upsertBlock(string(data), hookBlock(hookName))

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write hook file %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("make hook file %s executable: %w", path, err)
	}
	return nil
}

// upsertBlock replaces an existing marker-delimited block in place, or
// appends a new one (with a preceding blank line) if none is present.
func upsertBlock(content, block string) string {
	beginIdx := strings.Index(content, hookMarkerBegin)
	endIdx := strings.Index(content, hookMarkerEnd)
	if beginIdx == -1 || endIdx == -1 || endIdx < beginIdx {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		if content != "" {
			content += "\n"
		}
		return content + block
	}
	endIdx += len(hookMarkerEnd)
	return content[:beginIdx] + block + trimLeadingNewline(content[endIdx:])
}

func trimLeadingNewline(s string) string {
	return strings.TrimPrefix(s, "\n")
}
