// Package policy restricts which commands a caller may run.
package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
)

// alwaysAllowed are read-only commands that stay reachable under any allowlist.
var alwaysAllowed = map[string]bool{
	"version": true,
	"schema":  true,
}

// CheckCommandAllowed enforces an --enable-commands allowlist. An allowlist
// entry also admits every subcommand below it.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	path := normalize(commandPath)
	if alwaysAllowed[path] {
		return nil
	}
	for _, allowed := range allowlist {
		a := normalize(allowed)
		if a == "" {
			continue
		}
		if path == a || strings.HasPrefix(path, a+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

func normalize(v string) string {
	return strings.Join(strings.Fields(strings.ToLower(v)), " ")
}
