package cache

import "fmt"

// Key families. Colon-separated, one builder per family so call sites and
// invalidation sites cannot drift apart.

// SectionProgressKey caches one user's aggregated section progress (TTL 5m).
func SectionProgressKey(userID, sectionID int64) string {
	return fmt.Sprintf("progress:section:%d:%d", userID, sectionID)
}

// TopicProgressKey caches one user's aggregated topic progress (TTL 5m).
func TopicProgressKey(userID, topicID int64) string {
	return fmt.Sprintf("progress:topic:%d:%d", userID, topicID)
}

// TopicAccessKey caches the group-oracle answer for (user, topic) (TTL 10m).
func TopicAccessKey(userID, topicID int64) string {
	return fmt.Sprintf("access:topic:%d:%d", userID, topicID)
}

// SectionAccessKey caches the availability answer for (user, section)
// (TTL 10m).
func SectionAccessKey(userID, sectionID int64) string {
	return fmt.Sprintf("access:section:%d:%d", userID, sectionID)
}

// TopicAccessPattern matches every user's access entry for a topic, for
// invalidation when authors or group assignments change.
func TopicAccessPattern(topicID int64) string {
	return fmt.Sprintf("access:topic:*:%d", topicID)
}

// UserSectionAccessPattern matches every cached section availability answer
// for one user. Progress recomputes invalidate through it so a freshly
// completed section unlocks the next one immediately.
func UserSectionAccessPattern(userID int64) string {
	return fmt.Sprintf("access:section:%d:*", userID)
}

// FileURLKey caches a presigned URL for a stored object. TTL is 0.9× the
// underlying URL expiry so the cache never serves a dead link.
func FileURLKey(bucket, object string) string {
	return fmt.Sprintf("file:url:%s:%s", bucket, object)
}

// StaticTopicKey caches topic metadata (TTL 30m).
func StaticTopicKey(topicID int64) string {
	return fmt.Sprintf("static:topic:%d", topicID)
}

// GroupTopicsKey caches a group's topic assignments (TTL 30m).
func GroupTopicsKey(groupID int64) string {
	return fmt.Sprintf("static:group:%d:topics", groupID)
}

// TestKey caches a test row with its composed question list (TTL 30m).
func TestKey(testID int64) string {
	return fmt.Sprintf("static:test:%d", testID)
}
