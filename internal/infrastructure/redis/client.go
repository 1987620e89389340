package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"coaching-chat/internal/domain"
)

func sessionUsersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:users", sessionID)
}

func typingKey(conversationID, userID string) string {
	return fmt.Sprintf("conversation:%s:typing:%s", conversationID, userID)
}

func presenceKey(userID string) string {
	return fmt.Sprintf("presence:%s", userID)
}

func (r *RedisClient) AddUserToSession(ctx context.Context, sessionID, userID string, role domain.Role) error {
	userInfo := map[string]interface{}{
		"user_id":   userID,
		"user_type": role,
		"joined_at": time.Now(),
	}

	userJSON, err := json.Marshal(userInfo)
	if err != nil {
		return err
	}

	return r.client.HSet(ctx, sessionUsersKey(sessionID), userID, userJSON).Err()
}

func (r *RedisClient) RemoveUserFromSession(ctx context.Context, sessionID, userID string) error {
	return r.client.HDel(ctx, sessionUsersKey(sessionID), userID).Err()
}

func (r *RedisClient) GetSessionUsers(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	users, err := r.client.HGetAll(ctx, sessionUsersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]interface{})
	userCount := 0
	coachCount := 0

	for userID, userJSON := range users {
		var userInfo map[string]interface{}
		if err := json.Unmarshal([]byte(userJSON), &userInfo); err != nil {
			continue
		}

		userType, _ := userInfo["user_type"].(string)
		switch domain.Role(userType) {
		case domain.RoleCoach:
			coachCount++
		case domain.RoleUser:
			userCount++
		}

		result[userID] = userInfo
	}

	return map[string]interface{}{
		"users":           result,
		"user_connected":  userCount > 0,
		"coach_connected": coachCount > 0,
		"total_user":      userCount,
		"total_coach":     coachCount,
	}, nil
}

// SetUserTyping stores a typing marker that expires on its own when the stop
// event never arrives.
func (r *RedisClient) SetUserTyping(ctx context.Context, conversationID, userID string, isTyping bool, ttl time.Duration) error {
	key := typingKey(conversationID, userID)
	if isTyping {
		return r.client.Set(ctx, key, "true", ttl).Err()
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisClient) GetTypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	prefix := fmt.Sprintf("conversation:%s:typing:", conversationID)
	var typingUsers []string

	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(prefix) {
			typingUsers = append(typingUsers, key[len(prefix):])
		}
	}
	return typingUsers, iter.Err()
}

func (r *RedisClient) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	return r.client.HSet(ctx, presenceKey(userID),
		"online", strconv.FormatBool(online),
		"last_seen", lastSeen.UTC().Format(time.RFC3339Nano),
	).Err()
}

func (r *RedisClient) GetPresence(ctx context.Context, userID string) (*domain.UserStatusEvent, error) {
	values, err := r.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	status := &domain.UserStatusEvent{UserID: userID}
	status.IsOnline, _ = strconv.ParseBool(values["online"])
	if raw, ok := values["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			status.LastSeen = &ts
		}
	}
	return status, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
