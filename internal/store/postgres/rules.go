package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type RuleStore struct {
	db *sql.DB
}

func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, public_id, user_id, account_id, name, priority, is_enabled, conditions, actions,
	stop_processing, created_at, updated_at`

func (s *RuleStore) CreateRule(ctx context.Context, userID int64, params models.MailRuleParams) (*models.MailRule, error) {
	conds, actions, err := encodeRule(params)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO mail_rules (public_id, user_id, account_id, name, priority, is_enabled, conditions, actions, stop_processing)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+ruleColumns,
		uuid.New(), userID, params.AccountID, params.Name, params.Priority, params.IsEnabled,
		conds, actions, params.StopProcessing,
	)
	rule, err := scanRule(row)
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicate
	}
	return rule, err
}

func (s *RuleStore) UpdateRule(ctx context.Context, id int64, params models.MailRuleParams) (*models.MailRule, error) {
	conds, actions, err := encodeRule(params)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE mail_rules
		 SET account_id = $2, name = $3, priority = $4, is_enabled = $5, conditions = $6,
		     actions = $7, stop_processing = $8, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+ruleColumns,
		id, params.AccountID, params.Name, params.Priority, params.IsEnabled, conds, actions, params.StopProcessing,
	)
	rule, err := scanRule(row)
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicate
	}
	return rule, err
}

func (s *RuleStore) GetRuleByID(ctx context.Context, id int64) (*models.MailRule, error) {
	return scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM mail_rules WHERE id = $1`, id))
}

func (s *RuleStore) GetRuleByPublicID(ctx context.Context, publicID uuid.UUID) (*models.MailRule, error) {
	return scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM mail_rules WHERE public_id = $1`, publicID))
}

func (s *RuleStore) ListRulesByUserID(ctx context.Context, userID int64) ([]models.MailRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM mail_rules WHERE user_id = $1 ORDER BY priority ASC, name COLLATE "C" ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.MailRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *RuleStore) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mail_rules WHERE id = $1`, id)
	return err
}

func encodeRule(params models.MailRuleParams) ([]byte, []byte, error) {
	conds := params.Conditions
	if conds == nil {
		conds = []models.RuleCondition{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conditions: %w", err)
	}
	actionJSON, err := json.Marshal(params.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode actions: %w", err)
	}
	return condJSON, actionJSON, nil
}

func scanRule(scanner rowScanner) (*models.MailRule, error) {
	var (
		r          models.MailRule
		accountID  sql.NullInt64
		condJSON   []byte
		actionJSON []byte
	)
	err := scanner.Scan(
		&r.ID, &r.PublicID, &r.UserID, &accountID, &r.Name, &r.Priority, &r.IsEnabled,
		&condJSON, &actionJSON, &r.StopProcessing, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if accountID.Valid {
		id := accountID.Int64
		r.AccountID = &id
	}
	if err := json.Unmarshal(condJSON, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %d: %w", r.ID, err)
	}
	if err := json.Unmarshal(actionJSON, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of rule %d: %w", r.ID, err)
	}
	return &r, nil
}
