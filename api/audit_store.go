package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kinderboard/relay/storage"
)

// AuditBucket is the storage bucket holding audit entries.
const AuditBucket = "audit"

const auditRecordKind = "audit_entry"

// AuditEntry is one persisted audit event.
type AuditEntry struct {
	ID         string            `json:"id"`
	Event      AuditEvent        `json:"event"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type auditStore struct {
	repo storage.Repository
}

func (s *auditStore) append(ctx context.Context, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.repo.Put(ctx, AuditBucket, entry.ID, &storage.Record{
		Kind:      auditRecordKind,
		Data:      data,
		CreatedAt: entry.CreatedAt,
	})
}

// ListAuditEntries returns persisted entries newest first. A non-empty event
// filters by event type; limit <= 0 returns everything.
func ListAuditEntries(ctx context.Context, repo storage.Repository, event AuditEvent, limit int) ([]AuditEntry, error) {
	ids, err := repo.List(ctx, AuditBucket)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	entries := make([]AuditEntry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		rec, err := repo.Get(ctx, AuditBucket, ids[i])
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get audit entry %s: %w", ids[i], err)
		}
		if rec.Kind != auditRecordKind {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		if event != "" && entry.Event != event {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}
