package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConditionField names the message field a rule condition inspects.
type ConditionField string

const (
	FieldFrom    ConditionField = "from"
	FieldTo      ConditionField = "to"
	FieldCc      ConditionField = "cc"
	FieldBcc     ConditionField = "bcc"
	FieldSubject ConditionField = "subject"
	FieldBody    ConditionField = "body"
)

var ConditionFields = []ConditionField{FieldFrom, FieldTo, FieldCc, FieldBcc, FieldSubject, FieldBody}

func (f ConditionField) Valid() bool {
	for _, known := range ConditionFields {
		if f == known {
			return true
		}
	}
	return false
}

// RuleCondition is a case-insensitive substring predicate on one field.
type RuleCondition struct {
	Field    ConditionField `json:"field"`
	Contains string         `json:"contains"`
}

// RuleActions is the set of actions a rule applies. Any non-empty subset is
// allowed and every member is applied independently.
type RuleActions struct {
	Archive   bool     `json:"archive,omitempty"`
	Star      bool     `json:"star,omitempty"`
	Delete    bool     `json:"delete,omitempty"`
	MarkRead  bool     `json:"mark_read,omitempty"`
	AddTagIDs []int64  `json:"add_tag_ids,omitempty"`
	ForwardTo []string `json:"forward_to,omitempty"`
}

func (a RuleActions) Empty() bool {
	return !a.Archive && !a.Star && !a.Delete && !a.MarkRead && len(a.AddTagIDs) == 0 && len(a.ForwardTo) == 0
}

type MailRule struct {
	ID             int64
	PublicID       uuid.UUID
	UserID         int64
	AccountID      *int64
	Name           string
	Priority       int
	IsEnabled      bool
	Conditions     []RuleCondition
	Actions        RuleActions
	StopProcessing bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type MailRuleParams struct {
	AccountID      *int64
	Name           string
	Priority       int
	IsEnabled      bool
	Conditions     []RuleCondition
	Actions        RuleActions
	StopProcessing bool
}

// MatchConditions reports whether every condition holds for msg. An empty
// condition set matches nothing.
func MatchConditions(conds []RuleCondition, msg *Message) bool {
	if len(conds) == 0 || msg == nil {
		return false
	}
	for _, c := range conds {
		if !matchCondition(c, msg) {
			return false
		}
	}
	return true
}

func matchCondition(c RuleCondition, msg *Message) bool {
	needle := strings.ToLower(c.Contains)
	if needle == "" {
		return false
	}
	switch c.Field {
	case FieldFrom:
		return anyContains(msg.FromAddresses, needle)
	case FieldTo:
		return anyContains(msg.ToAddresses, needle)
	case FieldCc:
		return anyContains(msg.CcAddresses, needle)
	case FieldBcc:
		return anyContains(msg.BccAddresses, needle)
	case FieldSubject:
		return strings.Contains(strings.ToLower(msg.Subject), needle)
	case FieldBody:
		return strings.Contains(strings.ToLower(msg.TextBody), needle) ||
			strings.Contains(strings.ToLower(msg.HTMLBody), needle)
	default:
		return false
	}
}

func anyContains(values []string, needle string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
