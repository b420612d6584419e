package webhook

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/common/logger"
	"github.com/fixdev/fixdev/internal/events/bus"
	"github.com/fixdev/fixdev/internal/store"
)

// eventPullRequest is the provider event type the integrator acts on; every
// other verified event is stored for audit only.
const eventPullRequest = "pull_request"

// prEvent is the slice of a pull_request payload the integrator reads.
type prEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
}

// Processor stores verified events and applies the contribution
// transitions pull_request events imply.
type Processor struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(st *store.Store, eb bus.EventBus, log *logger.Logger) *Processor {
	return &Processor{
		store:  st,
		bus:    eb,
		logger: log.WithFields(zap.String("component", "webhook")),
	}
}

// Process persists the verified event and, for pull_request events, locates
// the contribution by PR URL or number and applies the transition. Events
// without a matching contribution are stored but not applied; replaying an
// already-applied event is harmless.
func (p *Processor) Process(ctx context.Context, eventType string, body []byte) (*store.Webhook, error) {
	hook := &store.Webhook{
		EventType: eventType,
		Payload:   string(body),
	}

	if eventType != eventPullRequest {
		if err := p.store.CreateWebhook(ctx, hook); err != nil {
			return nil, err
		}
		return hook, nil
	}

	var event prEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apperrors.BadRequest("malformed pull_request payload: " + err.Error())
	}
	if event.Action != "" {
		action := event.Action
		hook.Action = &action
	}

	contrib := p.locateContribution(ctx, event)
	if contrib != nil {
		hook.ContributionID = &contrib.ID
	}
	if err := p.store.CreateWebhook(ctx, hook); err != nil {
		return nil, err
	}

	if contrib == nil {
		p.logger.Info("Stored pull_request event without a matching contribution",
			zap.String("action", event.Action),
			zap.String("pr_url", event.PullRequest.HTMLURL),
			zap.Int("pr_number", event.PullRequest.Number))
		return hook, nil
	}

	applied, err := p.applyPullRequest(ctx, contrib, event)
	if err != nil {
		return nil, err
	}
	if applied {
		if err := p.store.MarkWebhookProcessed(ctx, hook.ID, &contrib.ID); err != nil {
			p.logger.Warn("Failed to mark webhook processed", zap.Int64("webhook_id", hook.ID), zap.Error(err))
		} else {
			hook.Processed = true
		}
	}
	return hook, nil
}

// locateContribution tries the PR URL first, then the PR number. Lookup
// errors are logged and treated as no match so the event still gets stored.
func (p *Processor) locateContribution(ctx context.Context, event prEvent) *store.Contribution {
	if url := event.PullRequest.HTMLURL; url != "" {
		contrib, err := p.store.FindContributionByPRURL(ctx, url)
		if err != nil {
			p.logger.Warn("Contribution lookup by PR URL failed", zap.String("pr_url", url), zap.Error(err))
		} else if contrib != nil {
			return contrib
		}
	}
	if n := event.PullRequest.Number; n > 0 {
		contrib, err := p.store.FindContributionByPRNumber(ctx, n)
		if err != nil {
			p.logger.Warn("Contribution lookup by PR number failed", zap.Int("pr_number", n), zap.Error(err))
		} else if contrib != nil {
			return contrib
		}
	}
	return nil
}

// applyPullRequest maps a closed event onto the contribution: merged PRs
// mark it merged and fix the issue, unmerged closes just close it. Any
// other action is audit-only.
func (p *Processor) applyPullRequest(ctx context.Context, contrib *store.Contribution, event prEvent) (bool, error) {
	if event.Action != "closed" {
		return false, nil
	}

	status := store.ContributionStatusClosed
	if event.PullRequest.Merged {
		status = store.ContributionStatusMerged
	}
	if err := p.store.UpdateContributionStatus(ctx, contrib.ID, status); err != nil {
		return false, err
	}
	if event.PullRequest.Merged {
		if err := p.store.UpdateIssueStatus(ctx, contrib.IssueID, store.IssueStatusFixed); err != nil {
			p.logger.Warn("Failed to mark issue fixed", zap.Int64("issue_id", contrib.IssueID), zap.Error(err))
		}
	}

	p.logger.Info("Applied pull_request event",
		zap.Int64("contribution_id", contrib.ID),
		zap.String("status", string(status)))

	update := bus.NewEvent(bus.EventContribution, "webhook", map[string]interface{}{
		"contribution_id": contrib.ID,
		"issue_id":        contrib.IssueID,
		"status":          string(status),
	})
	if err := p.bus.Publish(ctx, bus.ContributionSubject(contrib.ID), update); err != nil {
		p.logger.Debug("Failed to publish contribution event", zap.Error(err))
	}
	return true, nil
}
