package db

import (
	"context"
	"fmt"

	"voxfeed/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// FollowedIds returns the ids of every profile the follower follows
func (db *DB) FollowedIds(ctx context.Context, followerId string) ([]string, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("followed_id").From("follows").Where(sb.Equal("follower_id", followerId))
	q, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// Follow records a follow edge. Following twice is a no-op.
func (db *DB) Follow(ctx context.Context, edge models.FollowEdge) error {
	log.WithFields(log.Fields{
		"follower_id": edge.FollowerId,
		"followed_id": edge.FollowedId,
	}).Info("Creating follow")

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("follows").
		Cols("follower_id", "followed_id").
		Values(edge.FollowerId, edge.FollowedId).
		SQL("ON CONFLICT (follower_id, followed_id) DO NOTHING")
	q, args := ib.Build()

	if _, err := db.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

func (db *DB) Unfollow(ctx context.Context, edge models.FollowEdge) error {
	log.WithFields(log.Fields{
		"follower_id": edge.FollowerId,
		"followed_id": edge.FollowedId,
	}).Info("Deleting follow")

	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom("follows").Where(
		dlb.Equal("follower_id", edge.FollowerId),
		dlb.Equal("followed_id", edge.FollowedId),
	)
	q, args := dlb.Build()

	if _, err := db.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete error: %w", err)
	}
	return nil
}

// ProfilesByIds looks up all given profiles in one query, keyed by id.
// Ids without a profile are simply absent from the result.
func (db *DB) ProfilesByIds(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	profiles := make(map[string]models.Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	sb := db.flavor.NewSelectBuilder()
	sb.Select("id", "display_name").From("profiles").Where(sb.In("id", lo.ToAnySlice(ids)...))
	q, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var profile models.Profile
		if err := rows.Scan(&profile.Id, &profile.DisplayName); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		profiles[profile.Id] = profile
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return profiles, nil
}

// EnsureProfile creates the profile unless one already exists. Returns true when created.
func (db *DB) EnsureProfile(ctx context.Context, profile models.Profile) (bool, error) {
	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("profiles").
		Cols("id", "display_name").
		Values(profile.Id, profile.DisplayName).
		SQL("ON CONFLICT (id) DO NOTHING")
	q, args := ib.Build()

	res, err := db.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	created, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	if created > 0 {
		log.WithFields(log.Fields{
			"id": profile.Id,
		}).Info("Created profile")
	}
	return created > 0, nil
}
