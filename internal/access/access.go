// Package access answers the topic-access and management questions the
// resolver and handlers ask. Group-derived answers are cached; role shortcuts
// are evaluated inline.
package access

import (
	"context"
	"time"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/models"
)

// GroupStore is the slice of the persistence gateway the oracle needs.
type GroupStore interface {
	HasTopicAccess(ctx context.Context, userID, topicID int64) (bool, error)
	IsTopicAuthor(ctx context.Context, userID, topicID int64) (bool, error)
}

// Oracle resolves who may study and who may manage a topic.
type Oracle struct {
	groups GroupStore
	loader *cache.Loader
	ttl    time.Duration
}

// NewOracle creates an access oracle.
func NewOracle(groups GroupStore, loader *cache.Loader, ttl time.Duration) *Oracle {
	return &Oracle{groups: groups, loader: loader, ttl: ttl}
}

// HasTopicAccess reports whether the user may study a topic. Admins always
// may; teachers may when they manage the topic; students go through group
// membership, cached per (user, topic).
func (o *Oracle) HasTopicAccess(ctx context.Context, userID int64, role models.Role, topicID int64) (bool, error) {
	if role == models.RoleAdmin {
		return true, nil
	}
	if role == models.RoleTeacher {
		manages, err := o.groups.IsTopicAuthor(ctx, userID, topicID)
		if err != nil {
			return false, err
		}
		if manages {
			return true, nil
		}
	}

	var granted bool
	err := o.loader.GetOrCompute(ctx, cache.TopicAccessKey(userID, topicID), o.ttl, &granted,
		func(ctx context.Context) (any, error) {
			return o.groups.HasTopicAccess(ctx, userID, topicID)
		})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// CanManageTopic reports whether the user may edit a topic's content, reset
// attempts, and see other users' progress in it.
func (o *Oracle) CanManageTopic(ctx context.Context, userID int64, role models.Role, topicID int64) (bool, error) {
	switch role {
	case models.RoleAdmin:
		return true, nil
	case models.RoleTeacher:
		return o.groups.IsTopicAuthor(ctx, userID, topicID)
	default:
		return false, nil
	}
}

// InvalidateTopic drops every user's cached access answer for a topic. Called
// when authors or group assignments change.
func (o *Oracle) InvalidateTopic(ctx context.Context, topicID int64) {
	o.loader.InvalidatePattern(ctx, cache.TopicAccessPattern(topicID))
}
