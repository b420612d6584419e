package workspace

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// prURLRegex matches provider pull-request URLs in agent output.
var prURLRegex = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// invalidNameChars matches everything a Docker repository name rejects.
var invalidNameChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// ImageTag returns the image reference for one workspace build. The
// workspace id supplies the monotonic tag component.
func ImageTag(repoFullName string, workspaceID int64) string {
	return fmt.Sprintf("uc-workspace-%s:%d", sanitizeName(repoFullName), workspaceID)
}

// ContainerName returns a daemon-unique container name for a workspace.
func ContainerName(workspaceID int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("uc-workspace-%d-%s", workspaceID, suffix)
}

// BranchName returns the fresh-run branch for an issue number.
func BranchName(issueNumber int) string {
	return fmt.Sprintf("fix/issue-%d", issueNumber)
}

// sanitizeName lowercases a repository full name and squashes everything a
// Docker image name cannot carry.
func sanitizeName(name string) string {
	out := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	out = strings.Trim(out, "-.")
	if out == "" {
		return "workspace"
	}
	return out
}

// FindPRURL returns the last pull-request URL in line, or "" when none.
func FindPRURL(line string) string {
	matches := prURLRegex.FindAllString(line, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1]
}

// PRNumberFromURL extracts the trailing PR number, or nil when the URL does
// not parse.
func PRNumberFromURL(prURL string) *int {
	idx := strings.LastIndex(prURL, "/pull/")
	if idx < 0 {
		return nil
	}
	n, err := strconv.Atoi(prURL[idx+len("/pull/"):])
	if err != nil {
		return nil
	}
	return &n
}
