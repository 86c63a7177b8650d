package db

import (
	"context"
	"database/sql"
	"fmt"

	"voxfeed/models"

	log "github.com/sirupsen/logrus"
)

var replyColumns = []string{"id", "created_at", "post_id", "transcript", "user_id", "audio_path"}

func scanReply(row rowScanner) (models.Reply, error) {
	var reply models.Reply
	var transcript sql.NullString
	if err := row.Scan(
		&reply.Id,
		&reply.CreatedAt,
		&reply.PostId,
		&transcript,
		&reply.UserId,
		&reply.AudioPath,
	); err != nil {
		return models.Reply{}, err
	}
	reply.Transcript = transcript.String
	reply.CreatedAt = reply.CreatedAt.UTC()
	return reply, nil
}

// RepliesForPost returns the replies of a post, oldest first
func (db *DB) RepliesForPost(ctx context.Context, postId string) ([]models.Reply, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(replyColumns...).
		From("voice_replies").
		Where(sb.Equal("post_id", postId)).
		OrderBy("created_at ASC", "id ASC")
	q, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	replies := []models.Reply{}
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		replies = append(replies, reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return replies, nil
}

func (db *DB) CreateReply(ctx context.Context, reply models.Reply) (models.Reply, error) {
	log.WithFields(log.Fields{
		"id":      reply.Id,
		"post_id": reply.PostId,
	}).Info("Creating reply")

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("voice_replies").
		Cols(replyColumns...).
		Values(reply.Id, reply.CreatedAt, reply.PostId, reply.Transcript, reply.UserId, reply.AudioPath)
	q, args := ib.Build()

	if _, err := db.db.ExecContext(ctx, q, args...); err != nil {
		return models.Reply{}, fmt.Errorf("insert error: %w", err)
	}

	sb := db.flavor.NewSelectBuilder()
	sb.Select(replyColumns...).From("voice_replies").Where(sb.Equal("id", reply.Id))
	q, args = sb.Build()

	stored, err := scanReply(db.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		return models.Reply{}, fmt.Errorf("query error: %w", err)
	}
	return stored, nil
}
