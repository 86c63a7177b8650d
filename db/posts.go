package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"voxfeed/models"
	"voxfeed/query"

	log "github.com/sirupsen/logrus"
)

var postColumns = []string{"id", "created_at", "transcript", "summary", "like_count", "user_id", "audio_path"}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (models.Post, error) {
	var post models.Post
	var transcript sql.NullString
	var likes sql.NullInt64
	if err := row.Scan(
		&post.Id,
		&post.CreatedAt,
		&transcript,
		&post.Summary,
		&likes,
		&post.UserId,
		&post.AudioPath,
	); err != nil {
		return models.Post{}, err
	}
	post.Transcript = transcript.String
	post.LikeCount = likes.Int64
	post.CreatedAt = post.CreatedAt.UTC()
	return post, nil
}

// RecentPosts runs a post window query and returns the posts in query order
func (db *DB) RecentPosts(ctx context.Context, b query.Builder) ([]models.Post, error) {
	q, args := b.Build(db.flavor)
	log.WithFields(log.Fields{
		"sql":  q,
		"args": args,
	}).Debug("Generated SQL query")

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return posts, nil
}

func (db *DB) GetPost(ctx context.Context, id string) (models.Post, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(postColumns...).From("voice_posts").Where(sb.Equal("id", id))
	q, args := sb.Build()

	post, err := scanPost(db.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Post{}, ErrPostNotFound
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("query error: %w", err)
	}
	return post, nil
}

// CreatePost inserts a new post and returns it as stored
func (db *DB) CreatePost(ctx context.Context, post models.Post) (models.Post, error) {
	log.WithFields(log.Fields{
		"id":         post.Id,
		"user_id":    post.UserId,
		"audio_path": post.AudioPath,
	}).Info("Creating post")

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("voice_posts").
		Cols(postColumns...).
		Values(post.Id, post.CreatedAt, post.Transcript, post.Summary, post.LikeCount, post.UserId, post.AudioPath)
	q, args := ib.Build()

	if _, err := db.db.ExecContext(ctx, q, args...); err != nil {
		return models.Post{}, fmt.Errorf("insert error: %w", err)
	}

	return db.GetPost(ctx, post.Id)
}

// IncrementLikes bumps like_count in a single statement so concurrent likes are never lost
func (db *DB) IncrementLikes(ctx context.Context, postId string) (models.Post, error) {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("voice_posts").
		Set(ub.Incr("like_count")).
		Where(ub.Equal("id", postId))
	q, args := ub.Build()

	res, err := db.db.ExecContext(ctx, q, args...)
	if err != nil {
		return models.Post{}, fmt.Errorf("update error: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Post{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return models.Post{}, ErrPostNotFound
	}

	return db.GetPost(ctx, postId)
}
