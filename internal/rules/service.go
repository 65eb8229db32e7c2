package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

// Sentinel errors returned by Service methods.
var (
	ErrRuleNotFound    = errors.New("rule not found")
	ErrAccountNotFound = errors.New("mail account not found")
	ErrDuplicateName   = errors.New("a rule with this name already exists")
)

// Input is a rule definition as submitted by a user. AccountID scopes the
// rule to one of the user's accounts; nil applies it to all of them.
type Input struct {
	AccountID      *uuid.UUID
	Name           string
	Priority       int
	IsEnabled      bool
	Conditions     []models.RuleCondition
	Actions        models.RuleActions
	StopProcessing bool
}

// Service manages a user's rules and runs previews and applications on
// their behalf. It owns the ownership checks the Engine relies on.
type Service struct {
	rules    store.RuleStore
	accounts store.AccountStore
	tags     store.TagStore
	engine   *Engine
}

func NewService(rules store.RuleStore, accounts store.AccountStore, tags store.TagStore, engine *Engine) *Service {
	return &Service{rules: rules, accounts: accounts, tags: tags, engine: engine}
}

// Create validates in and stores it as a new rule.
func (s *Service) Create(ctx context.Context, userID int64, in Input) (*models.MailRule, error) {
	params, err := s.params(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	rule, err := s.rules.CreateRule(ctx, userID, params)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("creating rule: %w", err)
	}
	return rule, nil
}

// Update replaces the definition of an existing rule.
func (s *Service) Update(ctx context.Context, userID int64, ruleID uuid.UUID, in Input) (*models.MailRule, error) {
	existing, err := s.Get(ctx, userID, ruleID)
	if err != nil {
		return nil, err
	}
	params, err := s.params(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	rule, err := s.rules.UpdateRule(ctx, existing.ID, params)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateName
		}
		return nil, fmt.Errorf("updating rule: %w", err)
	}
	return rule, nil
}

// Get returns the rule if userID owns it.
func (s *Service) Get(ctx context.Context, userID int64, ruleID uuid.UUID) (*models.MailRule, error) {
	rule, err := s.rules.GetRuleByPublicID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("loading rule: %w", err)
	}
	if rule.UserID != userID {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

// List returns the user's rules in evaluation order.
func (s *Service) List(ctx context.Context, userID int64) ([]models.MailRule, error) {
	rules, err := s.rules.ListRulesByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	if rules == nil {
		rules = []models.MailRule{}
	}
	return rules, nil
}

func (s *Service) Delete(ctx context.Context, userID int64, ruleID uuid.UUID) error {
	rule, err := s.Get(ctx, userID, ruleID)
	if err != nil {
		return err
	}
	if err := s.rules.DeleteRule(ctx, rule.ID); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return nil
}

// Preview counts the messages a stored rule would act on.
func (s *Service) Preview(ctx context.Context, userID int64, ruleID uuid.UUID) (int, error) {
	rule, err := s.Get(ctx, userID, ruleID)
	if err != nil {
		return 0, err
	}
	ids, err := s.accountIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.engine.CountMatching(ctx, rule, ids)
}

// PreviewDraft counts the messages an unsaved rule definition would act on.
func (s *Service) PreviewDraft(ctx context.Context, userID int64, in Input) (int, error) {
	params, err := s.params(ctx, userID, in)
	if err != nil {
		return 0, err
	}
	ids, err := s.accountIDs(ctx, userID)
	if err != nil {
		return 0, err
	}
	rule := &models.MailRule{
		UserID:     userID,
		AccountID:  params.AccountID,
		Conditions: params.Conditions,
		Actions:    params.Actions,
	}
	return s.engine.CountMatching(ctx, rule, ids)
}

// Apply runs a stored rule over the user's existing messages. Disabled
// rules can still be applied explicitly.
func (s *Service) Apply(ctx context.Context, userID int64, ruleID uuid.UUID) (ApplyResult, error) {
	rule, err := s.Get(ctx, userID, ruleID)
	if err != nil {
		return ApplyResult{}, err
	}
	ids, err := s.accountIDs(ctx, userID)
	if err != nil {
		return ApplyResult{}, err
	}
	return s.engine.ApplyRule(ctx, rule, ids, userID)
}

func (s *Service) params(ctx context.Context, userID int64, in Input) (models.MailRuleParams, error) {
	params := models.MailRuleParams{
		Name:           in.Name,
		Priority:       in.Priority,
		IsEnabled:      in.IsEnabled,
		Conditions:     append([]models.RuleCondition(nil), in.Conditions...),
		Actions:        in.Actions,
		StopProcessing: in.StopProcessing,
	}
	Normalize(&params)
	if err := Validate(params); err != nil {
		return params, err
	}

	if in.AccountID != nil {
		acct, err := s.accounts.GetAccountByPublicID(ctx, *in.AccountID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return params, fmt.Errorf("loading account: %w", err)
		}
		if err != nil || acct.UserID != userID {
			return params, ErrAccountNotFound
		}
		params.AccountID = &acct.ID
	}

	if len(params.Actions.AddTagIDs) > 0 {
		owned, err := s.tags.FilterOwnedTagIDs(ctx, userID, params.Actions.AddTagIDs)
		if err != nil {
			return params, fmt.Errorf("checking tag ownership: %w", err)
		}
		if len(owned) != len(params.Actions.AddTagIDs) {
			return params, invalid("actions", "unknown tag id")
		}
	}
	return params, nil
}

func (s *Service) accountIDs(ctx context.Context, userID int64) ([]int64, error) {
	accounts, err := s.accounts.ListAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	ids := make([]int64, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	return ids, nil
}
