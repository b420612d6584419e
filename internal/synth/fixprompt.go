package synth

import (
	"context"
	"fmt"
	"strings"
)

// FixPromptInput carries everything the agent prompt needs. AIFixPrompt is
// the extractor-provided task description; when empty the caller should
// first obtain one via GenerateFixPrompt.
type FixPromptInput struct {
	RepoFullName  string
	IssueNumber   int
	IssueTitle    string
	AIFixPrompt   string
	BranchName    string
	BaseBranch    string
	SetupCommands string
	TestCommands  string
	IsRerun       bool
}

const fixPromptHeader = `You are working in a clone of the %s repository at the current directory. Your task is to fix the following issue:

Issue #%d: %s

%s`

const fixPromptEnvironment = `

Environment:
- Setup: %s
- Run tests with: %s`

const fixPromptFreshRun = `

Workflow, follow it exactly:
1. Create a branch named %s from %s.
2. Implement the fix and make sure the tests pass.
3. Commit with a clear message referencing issue #%d.
4. Push the branch to the origin remote (your fork).
5. Open a pull request against the upstream repository's %s branch using the gh CLI, with "Fixes #%d" in the description.
6. Print the pull request URL on its own line as the last thing you output.`

const fixPromptRerun = `

Important: this is a RE-RUN. A branch named %s with an open pull request already exists from a previous attempt.

Workflow, follow it exactly:
1. Fetch the upstream remote and rebase %s onto upstream/%s.
2. Address the issue on that same branch. Do NOT create a new branch.
3. Commit and push to the origin remote. Use --force-with-lease if the rebase rewrote history.
4. Do NOT open a new pull request. Pushing the branch updates the existing one.
5. Print the existing pull request URL on its own line if you know it.`

// BuildFixPrompt renders the prompt handed to the in-container agent.
func BuildFixPrompt(input FixPromptInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, fixPromptHeader,
		input.RepoFullName, input.IssueNumber, input.IssueTitle,
		strings.TrimSpace(input.AIFixPrompt))
	if input.SetupCommands != "" || input.TestCommands != "" {
		fmt.Fprintf(&sb, fixPromptEnvironment, input.SetupCommands, input.TestCommands)
	}
	if input.IsRerun {
		fmt.Fprintf(&sb, fixPromptRerun,
			input.BranchName, input.BranchName, input.BaseBranch)
	} else {
		fmt.Fprintf(&sb, fixPromptFreshRun,
			input.BranchName, input.BaseBranch, input.IssueNumber,
			input.BaseBranch, input.IssueNumber)
	}
	return sb.String()
}

const generateFixPromptTemplate = `Write a concise task description for an autonomous coding agent that will fix the following repository issue. Describe what is broken, where to look first, and what a correct fix must do. Do not include git or pull-request instructions; those are added separately.

Repository: %s
Issue #%d: %s

%s

Output only the task description.`

// GenerateFixPrompt asks the completion RPC for a task description when the
// extractor did not supply one.
func (s *Synthesizer) GenerateFixPrompt(ctx context.Context, repoFullName string, issueNumber int, title, body string) (string, error) {
	prompt := fmt.Sprintf(generateFixPromptTemplate, repoFullName, issueNumber, title, body)
	out, err := s.client.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate fix prompt: %w", err)
	}
	out = strings.TrimSpace(stripCodeFences(out))
	if out == "" {
		return "", fmt.Errorf("generate fix prompt returned empty output")
	}
	return out, nil
}
