package projects

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	memberKeyPrefix   = "project:"
	memberKeySuffix   = ":members"
	defaultMembersTTL = time.Minute
)

var errMissingSource = errors.New("membership source directory is required")

// CachedDirectoryConfig describes a redis backed membership cache.
type CachedDirectoryConfig struct {
	Source *Directory
	Client *redis.Client
	TTL    time.Duration
	Logger *zap.Logger
}

// CachedDirectory serves member lists from redis and falls back to the database
// whenever redis is unavailable.
type CachedDirectory struct {
	source *Directory
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedDirectory returns a cache in front of source. A nil client disables caching.
func NewCachedDirectory(cfg CachedDirectoryConfig) (*CachedDirectory, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultMembersTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedDirectory{source: cfg.Source, client: cfg.Client, ttl: ttl, logger: logger}, nil
}

// NewRedisClient builds a go-redis client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func memberKey(projectID string) string {
	return memberKeyPrefix + projectID + memberKeySuffix
}

// MemberIDs returns the cached member list, loading and caching it on a miss.
func (c *CachedDirectory) MemberIDs(ctx context.Context, projectID string) ([]string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrInvalidMembership
	}
	if c.client == nil {
		return c.source.MemberIDs(ctx, projectID)
	}

	key := memberKey(projectID)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var memberIDs []string
		if json.Unmarshal([]byte(cached), &memberIDs) == nil {
			return memberIDs, nil
		}
		c.logger.Warn("discarding malformed member cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("member cache read failed, using database",
			zap.String("project_id", projectID),
			zap.Error(err))
		return c.source.MemberIDs(ctx, projectID)
	}

	memberIDs, err := c.source.MemberIDs(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(memberIDs)
	if err != nil {
		return memberIDs, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("member cache write failed", zap.String("project_id", projectID), zap.Error(err))
	}
	return memberIDs, nil
}

// IsMember answers from the member list so cached projects skip the database.
func (c *CachedDirectory) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidMembership
	}
	memberIDs, err := c.MemberIDs(ctx, projectID)
	if err != nil {
		return false, err
	}
	return slices.Contains(memberIDs, userID), nil
}

// AddMember writes through to the database and invalidates the cached list.
func (c *CachedDirectory) AddMember(ctx context.Context, projectID, userID, role string) error {
	if err := c.source.AddMember(ctx, projectID, userID, role); err != nil {
		return err
	}
	c.invalidate(ctx, projectID)
	return nil
}

// RemoveMember writes through to the database and invalidates the cached list.
func (c *CachedDirectory) RemoveMember(ctx context.Context, projectID, userID string) error {
	if err := c.source.RemoveMember(ctx, projectID, userID); err != nil {
		return err
	}
	c.invalidate(ctx, projectID)
	return nil
}

func (c *CachedDirectory) invalidate(ctx context.Context, projectID string) {
	if c.client == nil {
		return
	}
	key := memberKey(strings.TrimSpace(projectID))
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("member cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}
