// Package memory is an in-process implementation of every store interface.
// It follows the same conditional-update semantics as the postgres stores
// and backs tests and DATABASE_URL=memory deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/znz-systems/mailroom/internal/models"
	"github.com/znz-systems/mailroom/internal/store"
)

type messageKey struct {
	accountID int64
	messageID string
}

type Store struct {
	mu sync.Mutex

	nextID int64
	now    func() time.Time

	accounts    map[int64]*models.MailAccount
	messages    map[int64]*models.Message
	messageKeys map[messageKey]int64
	purged      map[messageKey]struct{}
	messageTags map[int64]map[int64]struct{}
	attachments map[int64]*models.Attachment
	tags        map[int64]*models.Tag
	rules       map[int64]*models.MailRule
	usage       map[int64]models.Usage
}

func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    make(map[int64]*models.MailAccount),
		messages:    make(map[int64]*models.Message),
		messageKeys: make(map[messageKey]int64),
		purged:      make(map[messageKey]struct{}),
		messageTags: make(map[int64]map[int64]struct{}),
		attachments: make(map[int64]*models.Attachment),
		tags:        make(map[int64]*models.Tag),
		rules:       make(map[int64]*models.MailRule),
		usage:       make(map[int64]models.Usage),
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Accounts

func (s *Store) CreateAccount(_ context.Context, p models.MailAccountCreateParams) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	a := &models.MailAccount{
		ID:             s.id(),
		PublicID:       uuid.New(),
		UserID:         p.UserID,
		EmailAddress:   p.EmailAddress,
		DisplayName:    p.DisplayName,
		IMAPHost:       p.IMAPHost,
		IMAPPort:       p.IMAPPort,
		Username:       p.Username,
		PasswordSealed: p.PasswordSealed,
		UseSSL:         p.UseSSL,
		SyncStatus:     models.SyncStatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.accounts[a.ID] = a
	return copyAccount(a), nil
}

// PutAccount stores a fully populated account, replacing any account with
// the same ID. It lets tests seed lease state directly.
func (s *Store) PutAccount(a models.MailAccount) *models.MailAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == 0 {
		a.ID = s.id()
	} else if a.ID > s.nextID {
		s.nextID = a.ID
	}
	if a.PublicID == uuid.Nil {
		a.PublicID = uuid.New()
	}
	s.accounts[a.ID] = copyAccount(&a)
	return copyAccount(&a)
}

func (s *Store) GetAccountByID(_ context.Context, id int64) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *Store) GetAccountByPublicID(_ context.Context, publicID uuid.UUID) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.PublicID == publicID {
			return copyAccount(a), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListAccountsByUserID(_ context.Context, userID int64) ([]models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MailAccount
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, *copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	var ids []int64
	for _, a := range s.accounts {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		ids = append(ids, a.UserID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) DeleteAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.accounts, id)
	for msgID, m := range s.messages {
		if m.AccountID == id {
			s.deleteMessageLocked(msgID)
		}
	}
	for key := range s.purged {
		if key.accountID == id {
			delete(s.purged, key)
		}
	}
	for ruleID, r := range s.rules {
		if r.AccountID != nil && *r.AccountID == id {
			delete(s.rules, ruleID)
		}
	}
	return nil
}

// Lease

func (s *Store) TryAcquireSyncLease(_ context.Context, accountID int64, token string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return false, nil
	}
	if a.SyncLeaseToken != nil && a.SyncLeaseExpiresAt != nil && a.SyncLeaseExpiresAt.After(now) {
		return false, nil
	}
	tok := token
	exp := expiresAt
	progress := 0
	a.SyncLeaseToken = &tok
	a.SyncLeaseExpiresAt = &exp
	a.SyncProgress = &progress
	a.SyncStatus = models.SyncStatusSyncing
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) RenewSyncLease(_ context.Context, accountID int64, token string, expiresAt time.Time, progress int, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok || a.SyncLeaseToken == nil || *a.SyncLeaseToken != token {
		return false, nil
	}
	exp := expiresAt
	p := progress
	a.SyncLeaseExpiresAt = &exp
	a.SyncProgress = &p
	a.SyncStatus = status
	a.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ReleaseSyncLease(_ context.Context, accountID int64, token string, finishedAt time.Time, checkpoint *time.Time, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok || a.SyncLeaseToken == nil || *a.SyncLeaseToken != token {
		return false, nil
	}
	finished := finishedAt
	a.SyncLeaseToken = nil
	a.SyncLeaseExpiresAt = nil
	a.SyncProgress = nil
	a.SyncStatus = status
	a.LastSyncedAt = &finished
	if checkpoint != nil {
		cp := *checkpoint
		a.SyncCheckpoint = &cp
	}
	a.UpdatedAt = s.now()
	return true, nil
}

// Messages

func (s *Store) InsertMessageIfAbsent(_ context.Context, p models.MessageCreateParams) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{accountID: p.AccountID, messageID: p.MessageID}
	if id, ok := s.messageKeys[key]; ok {
		return copyMessage(s.messages[id]), false, nil
	}
	if _, ok := s.purged[key]; ok {
		return nil, false, store.ErrPurged
	}
	if _, ok := s.accounts[p.AccountID]; !ok {
		return nil, false, store.ErrNotFound
	}

	now := s.now()
	m := &models.Message{
		ID:            s.id(),
		PublicID:      uuid.New(),
		AccountID:     p.AccountID,
		MessageID:     p.MessageID,
		Folder:        p.Folder,
		FromAddresses: cloneStrings(p.FromAddresses),
		ToAddresses:   cloneStrings(p.ToAddresses),
		CcAddresses:   cloneStrings(p.CcAddresses),
		BccAddresses:  cloneStrings(p.BccAddresses),
		Subject:       p.Subject,
		TextBody:      p.TextBody,
		HTMLBody:      p.HTMLBody,
		Snippet:       p.Snippet,
		SizeBytes:     p.SizeBytes,
		ReceivedAt:    p.ReceivedAt,
		IsRead:        p.IsRead,
		IsStarred:     p.IsStarred,
		InReplyTo:     p.InReplyTo,
		References:    cloneStrings(p.References),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.messages[m.ID] = m
	s.messageKeys[key] = m.ID
	return copyMessage(m), true, nil
}

func (s *Store) MergeRemoteFlags(_ context.Context, id int64, flags models.RemoteFlags) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || m.FlagsModifiedAt != nil {
		return false, nil
	}
	if m.IsRead == flags.IsRead && m.IsStarred == flags.IsStarred {
		return false, nil
	}
	m.IsRead = flags.IsRead
	m.IsStarred = flags.IsStarred
	m.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) GetMessageByID(_ context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyMessage(m), nil
}

func (s *Store) ListMessages(_ context.Context, q store.MessageQuery) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := int64Set(q.AccountIDs)
	var out []models.Message
	for _, m := range s.messages {
		if _, ok := accounts[m.AccountID]; !ok {
			continue
		}
		if q.Folder != "" && m.Folder != q.Folder {
			continue
		}
		if q.UnreadOnly && m.IsRead {
			continue
		}
		out = append(out, *copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetMessagesByIDs(_ context.Context, ids []int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, id := range sortedIDs(ids) {
		if m, ok := s.messages[id]; ok {
			out = append(out, *copyMessage(m))
		}
	}
	return out, nil
}

func (s *Store) CountMatchingMessages(ctx context.Context, filter store.MessageFilter) (int, error) {
	refs, err := s.ListMatchingMessageRefs(ctx, filter)
	return len(refs), err
}

func (s *Store) ListMatchingMessageRefs(_ context.Context, filter store.MessageFilter) ([]models.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := int64Set(filter.AccountIDs)
	var refs []models.MessageRef
	for _, m := range s.messages {
		if _, ok := accounts[m.AccountID]; !ok {
			continue
		}
		if folderIn(m.Folder, filter.ExcludeFolders) {
			continue
		}
		if !models.MatchConditions(filter.Conditions, m) {
			continue
		}
		refs = append(refs, models.MessageRef{ID: m.ID, AccountID: m.AccountID, Folder: m.Folder})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (s *Store) SetMessagesRead(_ context.Context, ids []int64, read bool) (int, error) {
	return s.mutate(ids, func(m *models.Message, now time.Time) bool {
		m.IsRead = read
		m.FlagsModifiedAt = &now
		return true
	}), nil
}

func (s *Store) SetMessagesStarred(_ context.Context, ids []int64, starred bool) (int, error) {
	return s.mutate(ids, func(m *models.Message, now time.Time) bool {
		m.IsStarred = starred
		m.FlagsModifiedAt = &now
		return true
	}), nil
}

func (s *Store) MoveMessages(_ context.Context, ids []int64, folder models.Folder) (int, error) {
	return s.mutate(ids, func(m *models.Message, _ time.Time) bool {
		m.Folder = folder
		return true
	}), nil
}

func (s *Store) DeleteMessagesInFolder(_ context.Context, ids []int64, folder models.Folder) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.Folder != folder {
			continue
		}
		s.purged[messageKey{accountID: m.AccountID, messageID: m.MessageID}] = struct{}{}
		s.deleteMessageLocked(id)
		n++
	}
	return n, nil
}

func (s *Store) AddTagsToMessages(_ context.Context, ids []int64, tagIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.messages[id]; !ok {
			continue
		}
		set, ok := s.messageTags[id]
		if !ok {
			set = make(map[int64]struct{})
			s.messageTags[id] = set
		}
		for _, tagID := range tagIDs {
			if _, ok := s.tags[tagID]; ok {
				set[tagID] = struct{}{}
			}
		}
	}
	return nil
}

func (s *Store) ListMessageTagIDs(_ context.Context, messageID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id := range s.messageTags[messageID] {
		ids = append(ids, id)
	}
	return sortedIDs(ids), nil
}

func (s *Store) mutate(ids []int64, fn func(m *models.Message, now time.Time) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, id := range uniqueIDs(ids) {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if fn(m, now) {
			m.UpdatedAt = now
			n++
		}
	}
	return n
}

func (s *Store) deleteMessageLocked(id int64) {
	m, ok := s.messages[id]
	if !ok {
		return
	}
	delete(s.messageKeys, messageKey{accountID: m.AccountID, messageID: m.MessageID})
	delete(s.messages, id)
	delete(s.messageTags, id)
	for attID, a := range s.attachments {
		if a.MessageID == id {
			delete(s.attachments, attID)
		}
	}
}

// Attachments

func (s *Store) CreateAttachment(_ context.Context, p models.AttachmentCreateParams) (*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[p.MessageID]; !ok {
		return nil, store.ErrNotFound
	}
	publicID := p.PublicID
	if publicID == uuid.Nil {
		publicID = uuid.New()
	}
	a := &models.Attachment{
		ID:          s.id(),
		PublicID:    publicID,
		MessageID:   p.MessageID,
		FileName:    p.FileName,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		Disposition: p.Disposition,
		ContentID:   p.ContentID,
		StorageKey:  p.StorageKey,
		Available:   p.Available,
		CreatedAt:   s.now(),
	}
	s.attachments[a.ID] = a
	out := *a
	return &out, nil
}

func (s *Store) ListAttachmentsByMessageID(_ context.Context, messageID int64) ([]models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Attachment
	for _, a := range s.attachments {
		if a.MessageID == messageID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAttachmentKeysByMessageIDs(_ context.Context, messageIDs []int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := int64Set(messageIDs)
	return s.attachmentKeysLocked(func(a *models.Attachment) bool {
		_, ok := ids[a.MessageID]
		return ok
	}), nil
}

func (s *Store) ListAttachmentKeysByAccountID(_ context.Context, accountID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.attachmentKeysLocked(func(a *models.Attachment) bool {
		m, ok := s.messages[a.MessageID]
		return ok && m.AccountID == accountID
	}), nil
}

func (s *Store) attachmentKeysLocked(match func(a *models.Attachment) bool) []string {
	var keys []string
	for _, a := range s.attachments {
		if a.Available && a.StorageKey != "" && match(a) {
			keys = append(keys, a.StorageKey)
		}
	}
	sort.Strings(keys)
	return keys
}

// Tags

func (s *Store) CreateTag(_ context.Context, userID int64, name string) (*models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tags {
		if t.UserID == userID && t.Name == name {
			out := *t
			return &out, nil
		}
	}
	t := &models.Tag{ID: s.id(), UserID: userID, Name: name, CreatedAt: s.now()}
	s.tags[t.ID] = t
	out := *t
	return &out, nil
}

func (s *Store) ListTagsByUserID(_ context.Context, userID int64) ([]models.Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Tag
	for _, t := range s.tags {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) FilterOwnedTagIDs(_ context.Context, userID int64, tagIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []int64
	for _, id := range uniqueIDs(tagIDs) {
		if t, ok := s.tags[id]; ok && t.UserID == userID {
			owned = append(owned, id)
		}
	}
	return sortedIDs(owned), nil
}

// Rules

func (s *Store) CreateRule(_ context.Context, userID int64, p models.MailRuleParams) (*models.MailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ruleNameTakenLocked(userID, p.Name, 0) {
		return nil, store.ErrDuplicate
	}
	now := s.now()
	r := &models.MailRule{
		ID:        s.id(),
		PublicID:  uuid.New(),
		UserID:    userID,
		CreatedAt: now,
	}
	applyRuleParams(r, p, now)
	s.rules[r.ID] = r
	return copyRule(r), nil
}

func (s *Store) UpdateRule(_ context.Context, id int64, p models.MailRuleParams) (*models.MailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.ruleNameTakenLocked(r.UserID, p.Name, id) {
		return nil, store.ErrDuplicate
	}
	applyRuleParams(r, p, s.now())
	return copyRule(r), nil
}

func (s *Store) GetRuleByID(_ context.Context, id int64) (*models.MailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyRule(r), nil
}

func (s *Store) GetRuleByPublicID(_ context.Context, publicID uuid.UUID) (*models.MailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r.PublicID == publicID {
			return copyRule(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListRulesByUserID(_ context.Context, userID int64) ([]models.MailRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MailRule
	for _, r := range s.rules {
		if r.UserID == userID {
			out = append(out, *copyRule(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rules, id)
	return nil
}

func (s *Store) ruleNameTakenLocked(userID int64, name string, exceptID int64) bool {
	for _, r := range s.rules {
		if r.UserID == userID && r.Name == name && r.ID != exceptID {
			return true
		}
	}
	return false
}

func applyRuleParams(r *models.MailRule, p models.MailRuleParams, now time.Time) {
	if p.AccountID != nil {
		id := *p.AccountID
		r.AccountID = &id
	} else {
		r.AccountID = nil
	}
	r.Name = p.Name
	r.Priority = p.Priority
	r.IsEnabled = p.IsEnabled
	r.Conditions = append([]models.RuleCondition(nil), p.Conditions...)
	r.Actions = copyActions(p.Actions)
	r.StopProcessing = p.StopProcessing
	r.UpdatedAt = now
}

// Usage

func (s *Store) ComputeUsage(_ context.Context, userID int64) (*models.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := models.Usage{UserID: userID, ComputedAt: s.now()}
	for _, m := range s.messages {
		a, ok := s.accounts[m.AccountID]
		if !ok || a.UserID != userID {
			continue
		}
		u.MessageCount++
		u.MessageBytes += m.SizeBytes
	}
	for _, att := range s.attachments {
		if !att.Available {
			continue
		}
		m, ok := s.messages[att.MessageID]
		if !ok {
			continue
		}
		if a, ok := s.accounts[m.AccountID]; ok && a.UserID == userID {
			u.AttachmentBytes += att.SizeBytes
		}
	}
	return &u, nil
}

func (s *Store) SaveUsage(_ context.Context, u models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.usage[u.UserID] = u
	return nil
}

func (s *Store) GetUsage(_ context.Context, userID int64) (*models.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

// helpers

func copyAccount(a *models.MailAccount) *models.MailAccount {
	out := *a
	if a.LastSyncedAt != nil {
		t := *a.LastSyncedAt
		out.LastSyncedAt = &t
	}
	if a.SyncCheckpoint != nil {
		t := *a.SyncCheckpoint
		out.SyncCheckpoint = &t
	}
	if a.SyncLeaseToken != nil {
		tok := *a.SyncLeaseToken
		out.SyncLeaseToken = &tok
	}
	if a.SyncLeaseExpiresAt != nil {
		t := *a.SyncLeaseExpiresAt
		out.SyncLeaseExpiresAt = &t
	}
	if a.SyncProgress != nil {
		p := *a.SyncProgress
		out.SyncProgress = &p
	}
	return &out
}

func copyMessage(m *models.Message) *models.Message {
	out := *m
	out.FromAddresses = cloneStrings(m.FromAddresses)
	out.ToAddresses = cloneStrings(m.ToAddresses)
	out.CcAddresses = cloneStrings(m.CcAddresses)
	out.BccAddresses = cloneStrings(m.BccAddresses)
	out.References = cloneStrings(m.References)
	if m.FlagsModifiedAt != nil {
		t := *m.FlagsModifiedAt
		out.FlagsModifiedAt = &t
	}
	return &out
}

func copyRule(r *models.MailRule) *models.MailRule {
	out := *r
	if r.AccountID != nil {
		id := *r.AccountID
		out.AccountID = &id
	}
	out.Conditions = append([]models.RuleCondition(nil), r.Conditions...)
	out.Actions = copyActions(r.Actions)
	return &out
}

func copyActions(a models.RuleActions) models.RuleActions {
	out := a
	out.AddTagIDs = append([]int64(nil), a.AddTagIDs...)
	out.ForwardTo = cloneStrings(a.ForwardTo)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func int64Set(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortedIDs(ids []int64) []int64 {
	out := uniqueIDs(ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func folderIn(f models.Folder, folders []models.Folder) bool {
	for _, x := range folders {
		if x == f {
			return true
		}
	}
	return false
}
