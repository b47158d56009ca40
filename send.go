package chatsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Send outcomes recorded in metrics.
const (
	sendConfirmed = "confirmed"
	sendFailed    = "failed"
	sendUnmatched = "unmatched"
	sendExpired   = "expired"
	sendRetried   = "retried"
)

// ============================================================================
// Optimistic send
// ============================================================================

// Send inserts a provisional message in the sending state, submits it and
// resolves the provisional entry with the server's record. On failure the
// provisional message stays in the log as failed and the error is returned;
// it is never retried automatically.
func (e *Engine) Send(ctx context.Context, opts SendOptions) (Message, error) {
	if opts.ConversationID == "" {
		return Message{}, errors.New("send requires a conversation id")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Message{}, ErrClosed
	}
	token := e.newToken()
	provisional := Message{
		Key:              ProvisionalKey(token),
		ConversationID:   opts.ConversationID,
		SenderID:         e.cfg.ViewerID,
		Content:          opts.Content,
		Kind:             opts.kind(),
		Type:             DirectionSent,
		Media:            opts.Media,
		IsForwarded:      opts.IsForwarded,
		CreatedAt:        e.now().UTC(),
		Status:           StatusSending,
		CorrelationToken: token,
	}
	provisional, _ = e.store.Upsert(opts.ConversationID, provisional)
	e.notify(opts.ConversationID, provisional.Key, ReasonSend)
	e.mu.Unlock()

	jww.DEBUG.Printf("[SYNC] Sending %s to %s", provisional.Key, opts.ConversationID)

	req := &SendRequest{
		ConversationID:   opts.ConversationID,
		Content:          opts.Content,
		Type:             opts.kind(),
		IsForwarded:      opts.IsForwarded,
		Media:            opts.Media,
		CorrelationToken: token,
		Metadata:         map[string]any{"correlationToken": token},
	}

	sendCtx := ctx
	if timeout := e.cfg.sendTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := e.backend.SendMessage(sendCtx, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Message{}, ErrClosed
	}

	if err != nil {
		failed, ok := e.store.FailProvisional(token)
		if ok {
			e.notify(opts.ConversationID, failed.Key, ReasonFailed)
		}
		e.metrics.send(sendFailed)
		jww.WARN.Printf("[SYNC] Send of %s failed: %+v", provisional.Key, err)
		return failed, errors.Wrapf(err, "cannot send message %s", provisional.Key)
	}

	confirmed, err := e.normalizer.Normalize(raw)
	if err == nil && confirmed.Key.IsProvisional() {
		err = errors.Wrap(ErrInvalidMessage, "response carries no message id")
	}
	if err != nil {
		// The server holds the message; its echo still resolves the
		// provisional entry by token, or the sweep fails it.
		jww.WARN.Printf("[SYNC] Unusable send response for %s: %+v", provisional.Key, err)
		e.metrics.malformed("send_response")
		current, _ := e.store.Message(opts.ConversationID, provisional.Key)
		return current, nil
	}
	confirmed = completeEcho(confirmed, provisional, e.cfg.ViewerID)

	stored, ok := e.store.ReplaceProvisional(opts.ConversationID, token, confirmed)
	if ok {
		e.metrics.send(sendConfirmed)
	} else {
		// Already resolved by an echo, or removed meanwhile.
		e.metrics.send(sendUnmatched)
		stored, ok = e.store.Upsert(opts.ConversationID, confirmed)
	}
	if ok {
		e.notify(opts.ConversationID, stored.Key, ReasonSend)
	}
	jww.DEBUG.Printf("[SYNC] %s confirmed as %s", provisional.Key, confirmed.Key)
	return stored, nil
}

// completeEcho fills the fields a terse send response may omit from the
// provisional message it confirms.
func completeEcho(confirmed, provisional Message, viewerID string) Message {
	if confirmed.SenderID == "" {
		confirmed.SenderID = provisional.SenderID
		confirmed.Type = DirectionSent
	}
	if confirmed.Content == "" && !confirmed.IsDeleted {
		confirmed.Content = provisional.Content
	}
	if len(confirmed.Media) == 0 && !confirmed.IsDeleted {
		confirmed.Media = provisional.Media
	}
	if confirmed.CorrelationToken == "" {
		confirmed.CorrelationToken = provisional.CorrelationToken
	}
	confirmed.Status = CalculateStatus(confirmed, viewerID)
	return confirmed
}

// Retry discards the failed provisional message carrying token and sends
// its content again with a fresh token.
func (e *Engine) Retry(ctx context.Context, conversationID, token string) (Message, error) {
	e.mu.Lock()
	failed, err := e.takeFailed(conversationID, token)
	e.mu.Unlock()
	if err != nil {
		return Message{}, err
	}

	jww.INFO.Printf("[SYNC] Retrying %s in %s", failed.Key, conversationID)
	e.metrics.send(sendRetried)
	return e.Send(ctx, SendOptions{
		ConversationID: conversationID,
		Content:        failed.Content,
		Type:           failed.Kind,
		IsForwarded:    failed.IsForwarded,
		Media:          failed.Media,
	})
}

// Discard removes the failed provisional message carrying token without
// sending it again.
func (e *Engine) Discard(conversationID, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.takeFailed(conversationID, token)
	return err
}

// takeFailed removes a failed provisional message. Callers hold e.mu.
func (e *Engine) takeFailed(conversationID, token string) (Message, error) {
	if e.closed {
		return Message{}, ErrClosed
	}
	k := ProvisionalKey(token)
	m, ok := e.store.Message(conversationID, k)
	if !ok {
		return Message{}, errors.Wrapf(ErrNotFound, "message %s", k)
	}
	if m.Status != StatusFailed {
		return Message{}, errors.Wrapf(ErrNotFailed, "message %s is %s", k, m.Status)
	}
	e.store.Remove(conversationID, k)
	e.notify(conversationID, k, ReasonRemove)
	return m, nil
}

// ============================================================================
// Echo resolution
// ============================================================================

// matchLegacyEcho resolves an echo without correlation token against the
// first provisional message of the same sender with equal content sent
// within the echo window. Distinct messages with equal content sent in the
// same window can be paired wrongly, so every match is logged. Callers hold
// e.mu.
func (e *Engine) matchLegacyEcho(conversationID string, m Message) (Message, bool) {
	window := e.cfg.echoWindow()
	if window <= 0 {
		return Message{}, false
	}
	p, ok := e.store.FindProvisional(conversationID, func(p Message) bool {
		return p.SenderID == m.SenderID && p.Content == m.Content &&
			absDuration(p.CreatedAt.Sub(m.CreatedAt)) <= window
	})
	if !ok {
		return Message{}, false
	}
	token, _ := p.Key.Token()

	jww.WARN.Printf("[SYNC] Echo %s carries no correlation token; "+
		"matched to %s by content and time", m.Key, p.Key)
	e.metrics.echoFallback()
	return e.store.ReplaceProvisional(conversationID, token, m)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SweepStale fails every provisional message that has been sending for
// longer than the send timeout. A confirmation arriving later still
// replaces the failed entry.
func (e *Engine) SweepStale() int {
	timeout := e.cfg.sendTimeout()
	if timeout <= 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}

	deadline := e.now().Add(-timeout)
	swept := 0
	for _, p := range e.store.Provisionals() {
		if p.CreatedAt.After(deadline) {
			continue
		}
		token, _ := p.Key.Token()
		if failed, ok := e.store.FailProvisional(token); ok {
			jww.WARN.Printf("[SYNC] %s unresolved after %s, marking failed",
				p.Key, timeout)
			e.metrics.send(sendExpired)
			e.notify(failed.ConversationID, failed.Key, ReasonFailed)
			swept++
		}
	}
	return swept
}

// ============================================================================
// Mutations of confirmed messages
// ============================================================================

// Edit replaces the content of a confirmed message on the server and then
// locally.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, content string) error {
	if err := e.requireConfirmed(conversationID, messageID); err != nil {
		return err
	}
	if err := e.backend.EditMessage(ctx, conversationID, messageID, content); err != nil {
		return errors.Wrapf(err, "cannot edit message %s", messageID)
	}
	e.Apply(MessageEdited{
		MessageID:      messageID,
		ConversationID: conversationID,
		Content:        content,
		EditedAt:       e.now().UTC(),
	})
	return nil
}

// Delete deletes a confirmed message on the server and then locally.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string, scope DeleteScope) error {
	if scope != DeleteForMe {
		scope = DeleteForEveryone
	}
	if err := e.requireConfirmed(conversationID, messageID); err != nil {
		return err
	}
	if err := e.backend.DeleteMessage(ctx, conversationID, messageID, scope); err != nil {
		return errors.Wrapf(err, "cannot delete message %s", messageID)
	}
	e.Apply(MessageDeleted{
		MessageID:      messageID,
		ConversationID: conversationID,
		Scope:          scope,
	})
	return nil
}

// React adds or removes the viewer's reaction on a confirmed message.
func (e *Engine) React(ctx context.Context, conversationID, messageID, emoji string, add bool) error {
	if err := checkReaction(emoji); err != nil {
		return err
	}
	if err := e.requireConfirmed(conversationID, messageID); err != nil {
		return err
	}
	if err := e.backend.React(ctx, conversationID, messageID, emoji, add); err != nil {
		return errors.Wrapf(err, "cannot react to message %s", messageID)
	}

	if add {
		e.Apply(ReactionAdded{messageID, conversationID, emoji, e.cfg.ViewerID})
	} else {
		e.Apply(ReactionRemoved{messageID, conversationID, emoji, e.cfg.ViewerID})
	}
	return nil
}

func (e *Engine) requireConfirmed(conversationID, messageID string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, ok := e.store.Message(conversationID, ConfirmedKey(messageID)); !ok {
		return errors.Wrapf(ErrNotFound, "message %s in %s", messageID, conversationID)
	}
	return nil
}
