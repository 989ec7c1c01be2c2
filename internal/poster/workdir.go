package poster

import (
	"os"
	"path/filepath"
	"strings"

	"clipfarm/manager-go/internal/utils"
)

var scriptExts = []string{".py", ".js", ".sh"}

// scriptDirFromCommand finds the last existing script path in cmd and returns its directory.
func scriptDirFromCommand(cmd string) string {
	parts := strings.Fields(cmd)
	for i := len(parts) - 1; i >= 0; i-- {
		p := strings.Trim(parts[i], "\"'")
		if !hasScriptExt(p) {
			continue
		}
		st, err := os.Stat(p)
		if err != nil || st.IsDir() {
			continue
		}
		return filepath.Dir(p)
	}
	return ""
}

func hasScriptExt(p string) bool {
	for _, ext := range scriptExts {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// ResolveWorkDir picks the directory an upload script runs in: the first existing
// candidate, else the directory of the script named in command, else ".".
func ResolveWorkDir(candidates []string, command string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" && utils.DirExists(c) {
			return c
		}
	}
	if fromCmd := scriptDirFromCommand(command); fromCmd != "" && utils.DirExists(fromCmd) {
		return fromCmd
	}
	return "."
}
