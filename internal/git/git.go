// Package git builds the git commands run on fleet servers.
package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var revisionPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func inDir(dir, cmd string) string {
	return fmt.Sprintf("cd %s && GIT_TERMINAL_PROMPT=0 %s", Quote(dir), cmd)
}

// Head prints the checked-out revision.
func Head(dir string) string {
	return inDir(dir, "git rev-parse HEAD")
}

// Fetch updates remote refs.
func Fetch(dir string) string {
	return inDir(dir, "git fetch --prune --quiet origin")
}

// Resolve prints the commit a ref points to.
func Resolve(dir, ref string) string {
	return inDir(dir, "git rev-parse --verify "+Quote(ref+"^{commit}"))
}

// Checkout detaches the worktree at revision.
func Checkout(dir, revision string) string {
	return inDir(dir, "git checkout --force --quiet --detach "+Quote(revision))
}

// ParseRevision extracts the commit hash from rev-parse output.
func ParseRevision(output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	rev := strings.ToLower(strings.TrimSpace(lines[len(lines)-1]))
	if rev == "" {
		return "", errors.New("empty revision output")
	}
	if !revisionPattern.MatchString(rev) {
		return "", fmt.Errorf("unexpected revision %q", rev)
	}
	return rev, nil
}

// Short abbreviates a revision for logs.
func Short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
