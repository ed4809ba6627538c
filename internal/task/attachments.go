package task

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// AttachmentStore resolves content-addressed blob paths under a workspace's
// attachments directory (spec §6.4:
// attachments/<sha256[0:2]>/<sha256>.<ext>).
type AttachmentStore struct {
	*Store
	attachmentsRoot string
}

// WithAttachmentsRoot returns a Store view that also writes blobs to disk.
func (s *Store) WithAttachmentsRoot(root string) *AttachmentStore {
	return &AttachmentStore{Store: s, attachmentsRoot: root}
}

var extByContentType = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
}

// CreateImageAttachment is content-addressed: two uploads with identical
// bytes share one row and one on-disk blob (spec §3, §8 property 8, §8
// scenario 5).
func (a *AttachmentStore) CreateImageAttachment(ctx context.Context, bytes []byte, filename, contentType string) (*v1.Attachment, error) {
	ext, ok := extByContentType[contentType]
	if !ok {
		return nil, apperr.Validation("unsupported attachment content type %q", contentType)
	}

	sum := sha256.Sum256(bytes)
	sha := hex.EncodeToString(sum[:])

	if existing, err := a.getAttachmentBySHA(ctx, sha); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	storageKey := filepath.Join("attachments", sha[:2], sha+"."+ext)
	if a.attachmentsRoot != "" {
		fullPath := filepath.Join(a.attachmentsRoot, sha[:2], sha+"."+ext)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return nil, apperr.IOFault("create attachment directory", err)
		}
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			if err := os.WriteFile(fullPath, bytes, 0o644); err != nil {
				return nil, apperr.IOFault("write attachment blob", err)
			}
		}
	}

	att := &v1.Attachment{
		ID:          uuid.New().String(),
		SHA256:      sha,
		ContentType: contentType,
		SizeBytes:   int64(len(bytes)),
		Filename:    filename,
		StorageKey:  storageKey,
		Kind:        v1.AttachmentKindImage,
		CreatedAt:   time.Now().UTC(),
	}

	err := a.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`INSERT INTO attachments (id, sha256, content_type, size_bytes, width, height, filename, storage_key, kind, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(sha256) DO NOTHING`,
			att.ID, att.SHA256, att.ContentType, att.SizeBytes, att.Width, att.Height, att.Filename, att.StorageKey, att.Kind, att.CreatedAt)
		return err
	})
	if err != nil {
		return nil, apperr.IOFault("insert attachment", err)
	}

	// A concurrent uploader may have raced the ON CONFLICT DO NOTHING;
	// re-read so callers always get the row that actually won.
	winner, err := a.getAttachmentBySHA(ctx, sha)
	if err != nil {
		return nil, err
	}
	return winner, nil
}

func (a *AttachmentStore) getAttachmentBySHA(ctx context.Context, sha string) (*v1.Attachment, error) {
	var row struct {
		ID          string    `db:"id"`
		SHA256      string    `db:"sha256"`
		ContentType string    `db:"content_type"`
		SizeBytes   int64     `db:"size_bytes"`
		Width       int       `db:"width"`
		Height      int       `db:"height"`
		Filename    string    `db:"filename"`
		StorageKey  string    `db:"storage_key"`
		Kind        string    `db:"kind"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := a.db.GetContext(ctx, &row, `SELECT id, sha256, content_type, size_bytes, width, height, filename, storage_key, kind, created_at
		FROM attachments WHERE sha256 = ?`, sha)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IOFault("get attachment by sha256", err)
	}
	return &v1.Attachment{
		ID: row.ID, SHA256: row.SHA256, ContentType: row.ContentType, SizeBytes: row.SizeBytes,
		Width: row.Width, Height: row.Height, Filename: row.Filename, StorageKey: row.StorageKey,
		Kind: row.Kind, CreatedAt: row.CreatedAt,
	}, nil
}

// LinkAttachmentsToTask links attachments to a task; unlinking is allowed
// elsewhere but the blob itself is retained until explicit GC (spec §3).
func (a *AttachmentStore) LinkAttachmentsToTask(ctx context.Context, taskID string, attachmentIDs []string) error {
	return a.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range attachmentIDs {
			if _, err := tx.Exec(`INSERT INTO task_attachment_links (task_id, attachment_id) VALUES (?, ?)
				ON CONFLICT(task_id, attachment_id) DO NOTHING`, taskID, id); err != nil {
				return apperr.IOFault(fmt.Sprintf("link attachment %s", id), err)
			}
		}
		return nil
	})
}

// UnlinkAttachmentFromTask removes the link row; the blob and attachments
// row survive for other tasks / future GC.
func (a *AttachmentStore) UnlinkAttachmentFromTask(ctx context.Context, taskID, attachmentID string) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM task_attachment_links WHERE task_id = ? AND attachment_id = ?`, taskID, attachmentID)
	if err != nil {
		return apperr.IOFault("unlink attachment", err)
	}
	return nil
}

// ListAttachmentsForTask returns every attachment linked to taskID.
func (a *AttachmentStore) ListAttachmentsForTask(ctx context.Context, taskID string) ([]v1.Attachment, error) {
	var rows []struct {
		ID          string    `db:"id"`
		SHA256      string    `db:"sha256"`
		ContentType string    `db:"content_type"`
		SizeBytes   int64     `db:"size_bytes"`
		Width       int       `db:"width"`
		Height      int       `db:"height"`
		Filename    string    `db:"filename"`
		StorageKey  string    `db:"storage_key"`
		Kind        string    `db:"kind"`
		CreatedAt   time.Time `db:"created_at"`
	}
	err := a.db.SelectContext(ctx, &rows, `SELECT a.id, a.sha256, a.content_type, a.size_bytes, a.width, a.height, a.filename, a.storage_key, a.kind, a.created_at
		FROM attachments a JOIN task_attachment_links l ON l.attachment_id = a.id
		WHERE l.task_id = ? ORDER BY a.created_at ASC`, taskID)
	if err != nil {
		return nil, apperr.IOFault("list attachments for task", err)
	}
	out := make([]v1.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, v1.Attachment{
			ID: r.ID, SHA256: r.SHA256, ContentType: r.ContentType, SizeBytes: r.SizeBytes,
			Width: r.Width, Height: r.Height, Filename: r.Filename, StorageKey: r.StorageKey,
			Kind: r.Kind, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
