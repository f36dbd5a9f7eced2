package memori

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	writerMaxRetries  = 3
	writerBackoffBase = 100 * time.Millisecond
)

// identity is the surrogate-id set resolved while persisting one
// exchange. It becomes the cache contents once the transaction commits.
type identity struct {
	entityID       int64
	processID      int64
	sessionID      int64
	conversationID int64
}

// persistExchange writes one canonical payload to storage on the primary
// connection. The whole transaction retries on serialization conflicts
// with a rollback between attempts; the cache is updated only after a
// successful commit so a rolled-back attempt never leaks ids.
func (m *Memori) persistExchange(ctx context.Context, p *Payload) error {
	adapter, err := adapterFor(p)
	if err != nil {
		return err
	}
	d := m.store.primary
	start := m.now()
	ident, err := retryCall(ctx, writerMaxRetries, writerBackoffBase, "exchange write", m.logger,
		isRestartTxn,
		func() {
			if rbErr := d.Rollback(ctx); rbErr != nil {
				m.logger.Debug("writer: rollback before retry failed", "error", rbErr)
			}
		},
		func() (identity, error) {
			return m.writeExchange(ctx, d, adapter, p)
		})
	if err != nil {
		if rbErr := d.Rollback(ctx); rbErr != nil {
			m.logger.Debug("writer: rollback after failure failed", "error", rbErr)
		}
		return err
	}
	m.cache.store(ident.entityID, ident.processID, ident.sessionID, ident.conversationID, m.now())
	m.logger.Debug("writer: exchange persisted", "conversation_id", ident.conversationID, "duration", time.Since(start))
	return nil
}

// writeExchange is one transactional attempt: resolve attribution ids
// not yet cached, locate or open the conversation, append the exchange
// messages, commit. System turns in the query are never persisted.
func (m *Memori) writeExchange(ctx context.Context, d Driver, adapter PayloadAdapter, p *Payload) (identity, error) {
	var zero identity
	entityID, processID, sessionID, conversationID := m.cache.snapshot()

	if external := p.Attribution.Entity.ID; external != "" && entityID == 0 {
		id, err := d.CreateEntity(ctx, external)
		if err != nil {
			return zero, fmt.Errorf("writer: entity create: %w", err)
		}
		if id == 0 {
			return zero, errors.New("writer: entity id is unexpectedly zero")
		}
		entityID = id
	}
	if external := p.Attribution.Process.ID; external != "" && processID == 0 {
		id, err := d.CreateProcess(ctx, external)
		if err != nil {
			return zero, fmt.Errorf("writer: process create: %w", err)
		}
		if id == 0 {
			return zero, errors.New("writer: process id is unexpectedly zero")
		}
		processID = id
	}
	if sessionID == 0 {
		id, err := d.CreateSession(ctx, p.Session.UUID, entityID, processID)
		if err != nil {
			return zero, fmt.Errorf("writer: session create: %w", err)
		}
		if id == 0 {
			return zero, errors.New("writer: session id is unexpectedly zero")
		}
		sessionID = id
	}
	if conversationID == 0 {
		id, err := d.CreateConversation(ctx, sessionID, m.cfg.sessionTimeout())
		if err != nil {
			return zero, fmt.Errorf("writer: conversation create: %w", err)
		}
		if id == 0 {
			return zero, errors.New("writer: conversation id is unexpectedly zero")
		}
		conversationID = id
	}

	queryMsgs, err := adapter.FormatQuery(p)
	if err != nil {
		return zero, err
	}
	for _, msg := range queryMsgs {
		if msg.Role == "system" {
			continue
		}
		if err := d.CreateConversationMessage(ctx, conversationID, msg.Role, "", msg.Content); err != nil {
			return zero, fmt.Errorf("writer: query message create: %w", err)
		}
	}
	items, err := adapter.FormatResponse(p)
	if err != nil {
		return zero, err
	}
	for _, item := range items {
		if err := d.CreateConversationMessage(ctx, conversationID, item.Role, item.Type, item.Text); err != nil {
			return zero, fmt.Errorf("writer: response message create: %w", err)
		}
	}

	if err := d.Commit(ctx); err != nil {
		return zero, fmt.Errorf("writer: commit: %w", err)
	}
	return identity{entityID: entityID, processID: processID, sessionID: sessionID, conversationID: conversationID}, nil
}
