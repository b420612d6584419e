package synth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixInput() FixPromptInput {
	return FixPromptInput{
		RepoFullName:  "acme/parser",
		IssueNumber:   42,
		IssueTitle:    "panic on empty input",
		AIFixPrompt:   "Fix the panic in the tokenizer when input is empty.",
		BranchName:    "fix/issue-42",
		BaseBranch:    "main",
		SetupCommands: "pip install -e .",
		TestCommands:  "pytest",
	}
}

func TestBuildFixPrompt_FreshRun(t *testing.T) {
	prompt := BuildFixPrompt(fixInput())

	assert.Contains(t, prompt, "acme/parser")
	assert.Contains(t, prompt, "Issue #42: panic on empty input")
	assert.Contains(t, prompt, "Fix the panic in the tokenizer")
	assert.Contains(t, prompt, "Create a branch named fix/issue-42 from main")
	assert.Contains(t, prompt, "Open a pull request")
	assert.Contains(t, prompt, `"Fixes #42"`)
	assert.Contains(t, prompt, "pytest")
	assert.NotContains(t, prompt, "RE-RUN")
}

func TestBuildFixPrompt_Rerun(t *testing.T) {
	input := fixInput()
	input.IsRerun = true
	prompt := BuildFixPrompt(input)

	assert.Contains(t, prompt, "this is a RE-RUN")
	assert.Contains(t, prompt, "rebase fix/issue-42 onto upstream/main")
	assert.Contains(t, prompt, "Do NOT open a new pull request")
	assert.NotContains(t, prompt, "Create a branch")
}

func TestBuildFixPrompt_NoEnvironment(t *testing.T) {
	input := fixInput()
	input.SetupCommands = ""
	input.TestCommands = ""
	prompt := BuildFixPrompt(input)

	assert.NotContains(t, prompt, "Environment:")
}

func TestGenerateFixPrompt(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"```\nThe tokenizer dereferences the first byte without a length check.\n```",
	}}
	s := newTestSynthesizer(t, fake)

	out, err := s.GenerateFixPrompt(context.Background(), "acme/parser", 42,
		"panic on empty input", "Steps: call parse(\"\")")
	require.NoError(t, err)
	assert.Equal(t, "The tokenizer dereferences the first byte without a length check.", out)

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "acme/parser")
	assert.Contains(t, fake.prompts[0], "Issue #42")
	assert.Contains(t, fake.prompts[0], "panic on empty input")
}

func TestGenerateFixPrompt_Empty(t *testing.T) {
	s := newTestSynthesizer(t, &fakeCompleter{responses: []string{"  \n "}})
	_, err := s.GenerateFixPrompt(context.Background(), "acme/parser", 1, "t", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty output")
}
