// Package rules evaluates user mail rules against synced messages, both in
// bulk on request and one message at a time as new mail arrives.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/znz-systems/mailroom/internal/mail"
	"github.com/znz-systems/mailroom/internal/message"
	"github.com/znz-systems/mailroom/internal/metrics"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// maxForwardsPerApply bounds outbound mail from one bulk application.
const maxForwardsPerApply = 50

// excludedFolders are never visited by rules.
var excludedFolders = []models.Folder{models.FolderDrafts}

// ApplyResult reports a bulk application. MatchedCount is the size of the
// snapshot taken before mutating; ProcessedCount the number of messages the
// actions were applied to.
type ApplyResult struct {
	MatchedCount   int      `json:"matched_count"`
	ProcessedCount int      `json:"processed_count"`
	Errors         []string `json:"errors"`
}

type Engine struct {
	messages store.MessageStore
	tags     store.TagStore
	rules    store.RuleStore
	remover  *message.Remover
	sender   mail.Sender
}

// NewEngine creates an Engine. sender may be nil, in which case forward
// actions are recorded as failures.
func NewEngine(messages store.MessageStore, tags store.TagStore, rules store.RuleStore, remover *message.Remover, sender mail.Sender) *Engine {
	return &Engine{
		messages: messages,
		tags:     tags,
		rules:    rules,
		remover:  remover,
		sender:   sender,
	}
}

// filter builds the shared message filter. ok is false when the rule can
// match nothing.
func filter(rule *models.MailRule, accountIDs []int64) (store.MessageFilter, bool) {
	if len(rule.Conditions) == 0 {
		return store.MessageFilter{}, false
	}
	ids := accountIDs
	if rule.AccountID != nil {
		ids = nil
		for _, id := range accountIDs {
			if id == *rule.AccountID {
				ids = []int64{id}
				break
			}
		}
	}
	if len(ids) == 0 {
		return store.MessageFilter{}, false
	}
	return store.MessageFilter{
		AccountIDs:     ids,
		Conditions:     rule.Conditions,
		ExcludeFolders: excludedFolders,
	}, true
}

// CountMatching returns how many messages rule would act on. accountIDs
// must already be restricted to the caller's accounts.
func (e *Engine) CountMatching(ctx context.Context, rule *models.MailRule, accountIDs []int64) (int, error) {
	f, ok := filter(rule, accountIDs)
	if !ok {
		return 0, nil
	}
	n, err := e.messages.CountMatchingMessages(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("counting matching messages: %w", err)
	}
	return n, nil
}

// ApplyRule applies rule's actions to every matching message. The matching
// set is read once before any mutation. Forward failures are reported in
// the result and never stop the other actions.
func (e *Engine) ApplyRule(ctx context.Context, rule *models.MailRule, accountIDs []int64, userID int64) (ApplyResult, error) {
	res := ApplyResult{Errors: []string{}}
	f, ok := filter(rule, accountIDs)
	if !ok {
		return res, nil
	}
	refs, err := e.messages.ListMatchingMessageRefs(ctx, f)
	if err != nil {
		return res, fmt.Errorf("listing matching messages: %w", err)
	}
	res.MatchedCount = len(refs)
	if len(refs) == 0 {
		return res, nil
	}

	errs, err := e.apply(ctx, rule, refs, userID, maxForwardsPerApply)
	res.Errors = append(res.Errors, errs...)
	if err != nil {
		return res, err
	}
	res.ProcessedCount = len(refs)

	metrics.RuleApplicationsTotal.WithLabelValues("bulk").Inc()
	metrics.RuleMessagesProcessedTotal.Add(float64(len(refs)))
	slog.InfoContext(ctx, "rule applied",
		"rule_id", rule.ID,
		"user_id", userID,
		"matched", res.MatchedCount,
		"processed", res.ProcessedCount,
		"errors", len(res.Errors),
	)
	return res, nil
}

// RunEnabledRules evaluates the user's enabled rules against one message in
// ascending priority. A matching rule with StopProcessing ends evaluation,
// and so does a delete. Malformed rules are skipped. The returned error
// joins every failed rule application.
func (e *Engine) RunEnabledRules(ctx context.Context, userID int64, accountIDs []int64, msg *models.Message) error {
	if msg == nil || msg.Folder == models.FolderDrafts || !containsID(accountIDs, msg.AccountID) {
		return nil
	}
	rules, err := e.rules.ListRulesByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}

	var failed []error
	for i := range rules {
		rule := &rules[i]
		if !rule.IsEnabled {
			continue
		}
		if rule.AccountID != nil && *rule.AccountID != msg.AccountID {
			continue
		}
		if err := checkStored(rule); err != nil {
			slog.WarnContext(ctx, "skipping malformed rule", "rule_id", rule.ID, "error", err)
			continue
		}
		if !models.MatchConditions(rule.Conditions, msg) {
			continue
		}

		ref := models.MessageRef{ID: msg.ID, AccountID: msg.AccountID, Folder: msg.Folder}
		errs, err := e.apply(ctx, rule, []models.MessageRef{ref}, userID, 1)
		for _, s := range errs {
			slog.WarnContext(ctx, "rule action failed", "rule_id", rule.ID, "message_id", msg.ID, "error", s)
		}
		if err != nil {
			failed = append(failed, fmt.Errorf("rule %d: %w", rule.ID, err))
			continue
		}
		metrics.RuleApplicationsTotal.WithLabelValues("incoming").Inc()
		metrics.RuleMessagesProcessedTotal.Inc()

		if rule.Actions.Delete {
			break
		}
		if rule.Actions.Archive {
			msg.Folder = models.FolderArchive
		}
		if rule.StopProcessing {
			break
		}
	}
	return errors.Join(failed...)
}

// apply runs every action of rule on refs. Flags and tags go first, then
// forwards while the messages still exist, then the folder change. Delete
// takes precedence over archive. It returns the absorbed forward failures
// and the first storage error.
func (e *Engine) apply(ctx context.Context, rule *models.MailRule, refs []models.MessageRef, userID int64, forwardLimit int) ([]string, error) {
	ids := make([]int64, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	a := rule.Actions
	var errs []string

	if a.MarkRead {
		if _, err := e.messages.SetMessagesRead(ctx, ids, true); err != nil {
			return errs, fmt.Errorf("marking read: %w", err)
		}
	}
	if a.Star {
		if _, err := e.messages.SetMessagesStarred(ctx, ids, true); err != nil {
			return errs, fmt.Errorf("starring: %w", err)
		}
	}
	if len(a.AddTagIDs) > 0 {
		owned, err := e.tags.FilterOwnedTagIDs(ctx, userID, a.AddTagIDs)
		if err != nil {
			return errs, fmt.Errorf("checking tag ownership: %w", err)
		}
		if len(owned) < len(a.AddTagIDs) {
			errs = append(errs, fmt.Sprintf("%d tag(s) no longer exist", len(a.AddTagIDs)-len(owned)))
		}
		if len(owned) > 0 {
			if err := e.messages.AddTagsToMessages(ctx, ids, owned); err != nil {
				return errs, fmt.Errorf("adding tags: %w", err)
			}
		}
	}
	if len(a.ForwardTo) > 0 {
		errs = append(errs, e.forward(ctx, rule, ids, forwardLimit)...)
	}

	switch {
	case a.Delete:
		if _, err := e.remover.Remove(ctx, refs); err != nil {
			return errs, fmt.Errorf("deleting: %w", err)
		}
	case a.Archive:
		if _, err := e.messages.MoveMessages(ctx, ids, models.FolderArchive); err != nil {
			return errs, fmt.Errorf("archiving: %w", err)
		}
	}
	return errs, nil
}

func (e *Engine) forward(ctx context.Context, rule *models.MailRule, ids []int64, limit int) []string {
	if e.sender == nil {
		metrics.ForwardFailuresTotal.Add(float64(len(ids)))
		return []string{"forwarding is not configured"}
	}

	var errs []string
	if len(ids) > limit {
		errs = append(errs, fmt.Sprintf("forward limit of %d reached, %d message(s) not forwarded", limit, len(ids)-limit))
		ids = ids[:limit]
	}
	msgs, err := e.messages.GetMessagesByIDs(ctx, ids)
	if err != nil {
		metrics.ForwardFailuresTotal.Add(float64(len(ids)))
		return append(errs, fmt.Sprintf("loading messages to forward: %v", err))
	}

	for i := range msgs {
		m := &msgs[i]
		orig := mail.Original{
			From:     m.FromAddresses,
			To:       m.ToAddresses,
			Cc:       m.CcAddresses,
			Subject:  m.Subject,
			Date:     m.ReceivedAt,
			TextBody: m.TextBody,
			HTMLBody: m.HTMLBody,
		}
		out := mail.OutboundMessage{
			To:      rule.Actions.ForwardTo,
			Subject: mail.ForwardSubject(m.Subject),
			Text:    mail.ForwardText(orig),
			HTML:    mail.ForwardHTML(orig),
		}
		if _, err := e.sender.Send(ctx, mail.Profile{}, out); err != nil {
			metrics.ForwardFailuresTotal.Inc()
			slog.WarnContext(ctx, "rule forward failed", "rule_id", rule.ID, "message_id", m.ID, "error", err)
			errs = append(errs, fmt.Sprintf("forward message %d: %v", m.ID, err))
		}
	}
	return errs
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
