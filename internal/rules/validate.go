package rules

import (
	"fmt"
	"strings"

	"github.com/znz-systems/mailroom/internal/mail"
	"github.com/znz-systems/mailroom/internal/models"
)

const (
	maxNameLength        = 100
	maxNeedleLength      = 500
	maxForwardRecipients = 10
)

// ValidationError describes why a rule was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Normalize trims the free-text parts of p in place and drops duplicate tag
// ids and forward addresses.
func Normalize(p *models.MailRuleParams) {
	p.Name = strings.TrimSpace(p.Name)
	for i := range p.Conditions {
		p.Conditions[i].Field = models.ConditionField(strings.ToLower(strings.TrimSpace(string(p.Conditions[i].Field))))
		p.Conditions[i].Contains = strings.TrimSpace(p.Conditions[i].Contains)
	}

	seenTags := map[int64]struct{}{}
	var tags []int64
	for _, id := range p.Actions.AddTagIDs {
		if _, ok := seenTags[id]; ok {
			continue
		}
		seenTags[id] = struct{}{}
		tags = append(tags, id)
	}
	p.Actions.AddTagIDs = tags

	seenAddrs := map[string]struct{}{}
	var addrs []string
	for _, a := range p.Actions.ForwardTo {
		a = strings.TrimSpace(a)
		key := strings.ToLower(a)
		if _, ok := seenAddrs[key]; ok || a == "" {
			continue
		}
		seenAddrs[key] = struct{}{}
		addrs = append(addrs, a)
	}
	p.Actions.ForwardTo = addrs
}

// Validate checks a normalized rule definition.
func Validate(p models.MailRuleParams) error {
	if p.Name == "" {
		return invalid("name", "must not be empty")
	}
	if len([]rune(p.Name)) > maxNameLength {
		return invalid("name", "must be at most %d characters", maxNameLength)
	}
	if p.Priority < 0 {
		return invalid("priority", "must not be negative")
	}
	if err := validateConditions(p.Conditions); err != nil {
		return err
	}
	return validateActions(p.Actions)
}

func validateConditions(conds []models.RuleCondition) error {
	if len(conds) == 0 {
		return invalid("conditions", "at least one condition is required")
	}
	seen := map[models.ConditionField]struct{}{}
	for _, c := range conds {
		if !c.Field.Valid() {
			return invalid("conditions", "unknown field %q", c.Field)
		}
		if _, dup := seen[c.Field]; dup {
			return invalid("conditions", "field %q is used more than once", c.Field)
		}
		seen[c.Field] = struct{}{}
		if c.Contains == "" {
			return invalid("conditions", "value for %q must not be empty", c.Field)
		}
		if len([]rune(c.Contains)) > maxNeedleLength {
			return invalid("conditions", "value for %q must be at most %d characters", c.Field, maxNeedleLength)
		}
	}
	return nil
}

func validateActions(a models.RuleActions) error {
	if a.Empty() {
		return invalid("actions", "at least one action is required")
	}
	if len(a.ForwardTo) > maxForwardRecipients {
		return invalid("actions", "at most %d forward recipients are allowed", maxForwardRecipients)
	}
	for _, addr := range a.ForwardTo {
		if err := mail.ValidateAddress(addr); err != nil {
			return invalid("actions", "%v", err)
		}
	}
	for _, id := range a.AddTagIDs {
		if id <= 0 {
			return invalid("actions", "tag id %d is invalid", id)
		}
	}
	return nil
}

// checkStored validates a rule loaded from storage before evaluation. Rules
// are validated on write, so a failure here means the row was altered
// outside the service.
func checkStored(r *models.MailRule) error {
	if err := validateConditions(r.Conditions); err != nil {
		return err
	}
	return validateActions(r.Actions)
}
