package synth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixdev/fixdev/internal/common/logger"
)

// fakeCompleter replays canned completions and records the prompts it saw.
type fakeCompleter struct {
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	i := len(f.prompts)
	f.prompts = append(f.prompts, prompt)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", errors.New("no canned response")
}

func newTestSynthesizer(t *testing.T, fake *fakeCompleter) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(fake, logger.Default())
	require.NoError(t, err)
	return s
}

func testInput() RecipeInput {
	return RecipeInput{
		RepoFullName: "acme/parser",
		OriginURL:    "https://github.com/acme/parser",
		Language:     "Python",
		ForkURL:      "https://github.com/bot/parser",
	}
}

func TestLoadBaseImages(t *testing.T) {
	cfg, err := loadBaseImages()
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:22.04", cfg.Default)
	assert.Equal(t, "python:3.12-bookworm", cfg.imageFor("Python"))
	assert.Equal(t, "golang:1.22-bookworm", cfg.imageFor("go"))
	assert.Equal(t, "ubuntu:22.04", cfg.imageFor("COBOL"))
	assert.Equal(t, "ubuntu:22.04", cfg.imageFor(""))
}

func TestBuildRecipePrompt(t *testing.T) {
	s := newTestSynthesizer(t, &fakeCompleter{})
	prompt := s.BuildRecipePrompt(testInput())

	assert.Contains(t, prompt, "acme/parser")
	assert.Contains(t, prompt, "https://github.com/bot/parser")
	assert.Contains(t, prompt, "python:3.12-bookworm")
	assert.Contains(t, prompt, "known_hosts")
	assert.Contains(t, prompt, "upstream")
	assert.NotContains(t, prompt, "previous attempt")
}

func TestBuildRecipePrompt_PreviousError(t *testing.T) {
	s := newTestSynthesizer(t, &fakeCompleter{})
	input := testInput()
	input.PreviousError = "manifest for python:9.99 not found"
	prompt := s.BuildRecipePrompt(input)

	assert.Contains(t, prompt, "previous attempt")
	assert.Contains(t, prompt, "manifest for python:9.99 not found")
}

func TestGenerateRecipe_StripsFences(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"```dockerfile\nFROM ubuntu:22.04\nRUN apt-get update\n```",
	}}
	s := newTestSynthesizer(t, fake)

	recipe, err := s.GenerateRecipe(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "FROM ubuntu:22.04\nRUN apt-get update", recipe)
}

func TestGenerateRecipe_RejectsEmptyAndProse(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantErr  string
	}{
		{"empty", "", "empty output"},
		{"fences only", "```\n```", "empty output"},
		{"prose without FROM", "Here is how you would do it.", "no FROM instruction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSynthesizer(t, &fakeCompleter{responses: []string{tt.response}})
			_, err := s.GenerateRecipe(context.Background(), testInput())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSynthesizeAndBuild_RetriesWithPriorError(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"FROM python:9.99\n",
		"FROM python:3.12-bookworm\nRUN false\n",
		"FROM python:3.12-bookworm\nRUN true\n",
	}}
	s := newTestSynthesizer(t, fake)

	var built []string
	buildErrs := []error{
		errors.New("manifest for python:9.99 not found"),
		errors.New("executor failed running"),
		nil,
	}
	recipe, err := s.SynthesizeAndBuild(context.Background(), testInput(), func(recipe string) error {
		built = append(built, recipe)
		return buildErrs[len(built)-1]
	})
	require.NoError(t, err)
	assert.Equal(t, "FROM python:3.12-bookworm\nRUN true", recipe)
	assert.Len(t, built, 3)

	require.Len(t, fake.prompts, 3)
	assert.NotContains(t, fake.prompts[0], "previous attempt")
	assert.Contains(t, fake.prompts[1], "manifest for python:9.99 not found")
	assert.Contains(t, fake.prompts[2], "executor failed running")
}

func TestSynthesizeAndBuild_SynthesisFailureConsumesAttempt(t *testing.T) {
	fake := &fakeCompleter{
		responses: []string{"", "FROM ubuntu:22.04\n", "FROM ubuntu:22.04\n"},
	}
	s := newTestSynthesizer(t, fake)

	builds := 0
	recipe, err := s.SynthesizeAndBuild(context.Background(), testInput(), func(string) error {
		builds++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "FROM ubuntu:22.04", recipe)
	assert.Equal(t, 1, builds)
	assert.Len(t, fake.prompts, 2)
	assert.Contains(t, fake.prompts[1], "empty output")
}

func TestSynthesizeAndBuild_FailsAfterMaxAttempts(t *testing.T) {
	fake := &fakeCompleter{responses: []string{
		"FROM a\n", "FROM b\n", "FROM c\n", "FROM d\n",
	}}
	s := newTestSynthesizer(t, fake)

	builds := 0
	_, err := s.SynthesizeAndBuild(context.Background(), testInput(), func(string) error {
		builds++
		return fmt.Errorf("build %d failed", builds)
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, builds)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "build 3 failed")
}

func TestSynthesizeAndBuild_ContextCancelled(t *testing.T) {
	s := newTestSynthesizer(t, &fakeCompleter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SynthesizeAndBuild(ctx, testInput(), func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no fences", "FROM ubuntu:22.04", "FROM ubuntu:22.04"},
		{"plain fences", "```\nFROM ubuntu:22.04\n```", "FROM ubuntu:22.04"},
		{"language tag", "```dockerfile\nFROM ubuntu:22.04\n```", "FROM ubuntu:22.04"},
		{"surrounding whitespace", "  \n```\nFROM ubuntu:22.04\n```\n  ", "FROM ubuntu:22.04"},
		{"unclosed fence", "```\nFROM ubuntu:22.04", "FROM ubuntu:22.04"},
		{"backticks inside body kept", "```\nRUN echo '```'\nFROM x\n```", "RUN echo '```'\nFROM x"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFences(tt.input))
		})
	}
}
