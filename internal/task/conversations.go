package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgebase/taskcore/internal/apperr"
	v1 "github.com/forgebase/taskcore/pkg/api/v1"
)

// UpsertConversation creates the conversation if absent (preserving
// createdAt on update) and always bumps updatedAt (spec §3 Conversation
// upsert semantics).
func (s *Store) UpsertConversation(ctx context.Context, conv v1.Conversation, now time.Time) (*v1.Conversation, error) {
	var out *v1.Conversation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing struct {
			CreatedAt time.Time `db:"created_at"`
		}
		err := tx.Get(&existing, `SELECT created_at FROM conversations WHERE id = ?`, conv.ID)
		createdAt := now
		if err == nil {
			createdAt = existing.CreatedAt
		} else if err != sql.ErrNoRows {
			return apperr.IOFault("load conversation for upsert", err)
		}

		responseIDs, _ := json.Marshal(conv.ModelResponseIDs)
		if conv.Status == "" {
			conv.Status = v1.ConversationActive
		}
		_, err = tx.Exec(`INSERT INTO conversations (id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				task_id = excluded.task_id, title = excluded.title, total_tokens = excluded.total_tokens,
				last_model = excluded.last_model, model_response_ids = excluded.model_response_ids,
				status = excluded.status, updated_at = excluded.updated_at`,
			conv.ID, conv.TaskID, conv.Title, conv.TotalTokens, conv.LastModel, string(responseIDs), conv.Status, createdAt, now)
		if err != nil {
			return apperr.IOFault("upsert conversation", err)
		}
		conv.CreatedAt = createdAt
		conv.UpdatedAt = now
		out = &conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation returns nil, nil when absent.
func (s *Store) GetConversation(ctx context.Context, id string) (*v1.Conversation, error) {
	var row struct {
		ID               string         `db:"id"`
		TaskID           sql.NullString `db:"task_id"`
		Title            string         `db:"title"`
		TotalTokens      int            `db:"total_tokens"`
		LastModel        string         `db:"last_model"`
		ModelResponseIDs string         `db:"model_response_ids"`
		Status           string         `db:"status"`
		CreatedAt        time.Time      `db:"created_at"`
		UpdatedAt        time.Time      `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT id, task_id, title, total_tokens, last_model, model_response_ids, status, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.IOFault("get conversation", err)
	}
	conv := &v1.Conversation{
		ID:          row.ID,
		Title:       row.Title,
		TotalTokens: row.TotalTokens,
		LastModel:   row.LastModel,
		Status:      v1.ConversationStatus(row.Status),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.TaskID.Valid {
		conv.TaskID = &row.TaskID.String
	}
	_ = json.Unmarshal([]byte(row.ModelResponseIDs), &conv.ModelResponseIDs)
	return conv, nil
}

// AddConversationMessage inserts a message and implicitly bumps the parent
// conversation's updatedAt to the message's createdAt (spec §3 invariant).
func (s *Store) AddConversationMessage(ctx context.Context, msg v1.ConversationMessage) (*v1.ConversationMessage, error) {
	if msg.Content == "" {
		return nil, apperr.Validation("conversation message content must not be empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		metadata, _ := json.Marshal(msg.Metadata)
		res, err := tx.Exec(`INSERT INTO conversation_messages
			(conversation_id, role, content, message_type, model_used, model_id, token_count, metadata, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			msg.ConversationID, msg.Role, msg.Content, msg.MessageType, msg.ModelUsed, msg.ModelID, msg.TokenCount, string(metadata), msg.CreatedAt)
		if err != nil {
			return apperr.IOFault("insert conversation message", err)
		}
		id, _ := res.LastInsertId()
		msg.ID = id

		res2, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID)
		if err != nil {
			return apperr.IOFault("bump conversation updated_at", err)
		}
		if n, _ := res2.RowsAffected(); n == 0 {
			return apperr.Conflict("conversation %s not found", msg.ConversationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListConversationMessages returns messages in creation order.
func (s *Store) ListConversationMessages(ctx context.Context, conversationID string) ([]v1.ConversationMessage, error) {
	var rows []struct {
		ID             int64     `db:"id"`
		ConversationID string    `db:"conversation_id"`
		Role           string    `db:"role"`
		Content        string    `db:"content"`
		MessageType    string    `db:"message_type"`
		ModelUsed      string    `db:"model_used"`
		ModelID        string    `db:"model_id"`
		TokenCount     int       `db:"token_count"`
		Metadata       string    `db:"metadata"`
		CreatedAt      time.Time `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, conversation_id, role, content, message_type, model_used, model_id, token_count, metadata, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID); err != nil {
		return nil, apperr.IOFault("list conversation messages", err)
	}
	out := make([]v1.ConversationMessage, 0, len(rows))
	for _, r := range rows {
		cm := v1.ConversationMessage{
			ID: r.ID, ConversationID: r.ConversationID, Role: v1.MessageRole(r.Role), Content: r.Content,
			MessageType: r.MessageType, ModelUsed: r.ModelUsed, ModelID: r.ModelID, TokenCount: r.TokenCount, CreatedAt: r.CreatedAt,
		}
		_ = json.Unmarshal([]byte(r.Metadata), &cm.Metadata)
		out = append(out, cm)
	}
	return out, nil
}
