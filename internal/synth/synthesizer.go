// Package synth turns repository metadata into container recipes and
// agent fix prompts via the text-completion RPC.
package synth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/llm"
)

// maxAttempts bounds the synthesize-and-build retry loop.
const maxAttempts = 3

// RecipeInput carries everything the recipe prompt needs.
type RecipeInput struct {
	RepoFullName  string
	OriginURL     string
	Language      string
	ForkURL       string
	PreviousError string
}

// Synthesizer generates container recipes through the completion client.
type Synthesizer struct {
	client llm.Client
	images *baseImageConfig
	logger *logger.Logger
}

// NewSynthesizer creates a Synthesizer backed by the given completion client.
func NewSynthesizer(client llm.Client, log *logger.Logger) (*Synthesizer, error) {
	images, err := loadBaseImages()
	if err != nil {
		return nil, err
	}
	return &Synthesizer{
		client: client,
		images: images,
		logger: log.WithFields(zap.String("component", "synthesizer")),
	}, nil
}

// recipePromptTemplate fixes the invariants every generated recipe must
// satisfy. Placeholders: repo full name, origin URL, language, fork URL,
// base image.
const recipePromptTemplate = `Generate a Dockerfile for an isolated workspace in which an autonomous coding agent fixes an issue in a repository.

Repository: %s
Origin URL: %s
Primary language: %s
Fork URL (clone this one): %s

The Dockerfile MUST satisfy every requirement below:
1. Use base image %s.
2. Install with apt-get: curl git sudo build-essential openssh-client ca-certificates.
3. Install the GitHub CLI (gh) by downloading the architecture-appropriate .tar.gz release from https://github.com/cli/cli/releases/latest (pick amd64 or arm64 with "dpkg --print-architecture") and placing the gh binary in /usr/local/bin.
4. Create a non-root user named "agent" with a home directory and passwordless sudo (a NOPASSWD rule in /etc/sudoers.d/agent).
5. As the agent user, install the coding agent with its documented installer: curl -fsSL https://claude.ai/install.sh | bash
6. Pre-seed /home/agent/.ssh/known_hosts with the github.com host keys using ssh-keyscan, owned by the agent user.
7. As the agent user, clone the fork URL to /home/agent/repo and add a git remote named "upstream" pointing at the origin URL.
8. Set ENV PATH so /home/agent/.local/bin precedes the existing PATH.
9. Set WORKDIR /home/agent/repo and end with a long-running default command: CMD ["sleep", "infinity"].

Also install the language toolchain needed to build and test a %s project if the base image does not already carry it.

Output ONLY the Dockerfile content. No explanations and no markdown fences.`

const previousErrorTemplate = `

The previous attempt at this Dockerfile failed. Fix the cause of the error below and output the corrected Dockerfile:

%s`

// BuildRecipePrompt renders the completion prompt for one synthesis attempt.
func (s *Synthesizer) BuildRecipePrompt(input RecipeInput) string {
	baseImage := s.images.imageFor(input.Language)
	prompt := fmt.Sprintf(recipePromptTemplate,
		input.RepoFullName, input.OriginURL, input.Language, input.ForkURL,
		baseImage, input.Language)
	if input.PreviousError != "" {
		prompt += fmt.Sprintf(previousErrorTemplate, input.PreviousError)
	}
	return prompt
}

// GenerateRecipe performs a single synthesis attempt: prompt, complete,
// strip fence decoration, sanity-check the result.
func (s *Synthesizer) GenerateRecipe(ctx context.Context, input RecipeInput) (string, error) {
	raw, err := s.client.Complete(ctx, s.BuildRecipePrompt(input))
	if err != nil {
		return "", fmt.Errorf("recipe synthesis: %w", err)
	}
	recipe := stripCodeFences(raw)
	if recipe == "" {
		return "", fmt.Errorf("recipe synthesis returned empty output")
	}
	if !strings.Contains(recipe, "FROM ") {
		return "", fmt.Errorf("recipe contains no FROM instruction")
	}
	return recipe, nil
}

// SynthesizeAndBuild drives the retry loop: generate a recipe, hand it to
// build, and on failure feed the error text into the next attempt's prompt.
// Both synthesis and build failures consume attempts. Returns the recipe
// that built successfully.
func (s *Synthesizer) SynthesizeAndBuild(ctx context.Context, input RecipeInput, build func(recipe string) error) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		recipe, err := s.GenerateRecipe(ctx, input)
		if err != nil {
			lastErr = err
			input.PreviousError = err.Error()
			s.logger.Warn("Recipe synthesis attempt failed",
				zap.Int("attempt", attempt),
				zap.String("repo", input.RepoFullName),
				zap.Error(err))
			continue
		}
		if err := build(recipe); err != nil {
			lastErr = err
			input.PreviousError = err.Error()
			s.logger.Warn("Image build attempt failed",
				zap.Int("attempt", attempt),
				zap.String("repo", input.RepoFullName),
				zap.Error(err))
			continue
		}
		return recipe, nil
	}
	return "", fmt.Errorf("recipe failed after %d attempts: %w", maxAttempts, lastErr)
}

// stripCodeFences removes a single layer of markdown fence decoration.
// Models wrap Dockerfiles in ``` or ```dockerfile blocks despite being
// told not to.
func stripCodeFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	lines := strings.Split(out, "\n")
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		if trimmed == "```" {
			lines = lines[:i]
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
