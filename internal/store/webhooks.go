package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateWebhook stores an inbound provider event. Rows are immutable after
// creation except for the processed flag.
func (s *Store) CreateWebhook(ctx context.Context, hook *Webhook) error {
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}
	if hook.Payload == "" {
		hook.Payload = "{}"
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO webhooks (contribution_id, event_type, action, payload, processed, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), hook.ContributionID, hook.EventType, hook.Action, hook.Payload, hook.Processed, hook.CreatedAt, hook.ProcessedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	hook.ID = id
	return nil
}

// GetWebhook retrieves a stored event by ID.
func (s *Store) GetWebhook(ctx context.Context, id int64) (*Webhook, error) {
	hook := &Webhook{}
	err := s.ro.GetContext(ctx, hook, s.ro.Rebind(`
		SELECT id, contribution_id, event_type, action, payload, processed, created_at, processed_at
		FROM webhooks WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// ListWebhooks returns all stored events, newest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	hooks := []*Webhook{}
	err := s.ro.SelectContext(ctx, &hooks, `
		SELECT id, contribution_id, event_type, action, payload, processed, created_at, processed_at
		FROM webhooks ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

// ListUnprocessedWebhooks returns stored events not yet acted on, oldest
// first.
func (s *Store) ListUnprocessedWebhooks(ctx context.Context) ([]*Webhook, error) {
	hooks := []*Webhook{}
	err := s.ro.SelectContext(ctx, &hooks, `
		SELECT id, contribution_id, event_type, action, payload, processed, created_at, processed_at
		FROM webhooks WHERE processed = 0 ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

// ListWebhooksByContribution returns stored events linked to a contribution,
// newest first.
func (s *Store) ListWebhooksByContribution(ctx context.Context, contributionID int64) ([]*Webhook, error) {
	hooks := []*Webhook{}
	err := s.ro.SelectContext(ctx, &hooks, s.ro.Rebind(`
		SELECT id, contribution_id, event_type, action, payload, processed, created_at, processed_at
		FROM webhooks WHERE contribution_id = ? ORDER BY id DESC
	`), contributionID)
	if err != nil {
		return nil, err
	}
	return hooks, nil
}

// MarkWebhookProcessed flags a stored event as acted on and links the
// contribution it resolved to, when any.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id int64, contributionID *int64) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE webhooks SET processed = 1, contribution_id = COALESCE(?, contribution_id), processed_at = ? WHERE id = ?
	`), contributionID, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("webhook not found: %d", id)
	}
	return nil
}
