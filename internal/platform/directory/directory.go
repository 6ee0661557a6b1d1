// Package directory resolves trainee person ids to the sign-up accounts held
// in a Cognito user pool. Account-id lookups go through a Redis-backed warm
// cache that is rebuilt wholesale from a paginated pool scan, at most once
// per cooldown period.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cogtypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrUserNotFound is returned when no account matches the lookup.
var ErrUserNotFound = errors.New("directory: user not found")

const (
	accountKeyPrefix = "directory:accounts:"
	rebuildLockKey   = "directory:rebuild-lock"
	rebuildCooldown  = 15 * time.Minute
	accountTTL       = 24 * time.Hour

	// Cognito caps ListUsers pages at 60.
	pageSize = 60

	attrTisID     = "custom:tisId"
	attrGmcNumber = "custom:gmcNumber"
)

// User is the directory view of a trainee's sign-up account.
type User struct {
	ID         string
	Email      string
	FamilyName string
	GivenName  string
	GmcNumber  string
}

// Lookup resolves trainees against the user directory.
type Lookup interface {
	// AccountIDs returns the ids of every account registered for the person.
	AccountIDs(ctx context.Context, personID string) ([]string, error)
	// DetailsByID returns the account with the given user id.
	DetailsByID(ctx context.Context, userID string) (User, error)
	// DetailsByEmail returns the account registered with the given email.
	DetailsByEmail(ctx context.Context, email string) (User, error)
}

// cognitoClient is the subset of the Cognito IDP API used by the directory.
type cognitoClient interface {
	ListUsers(ctx context.Context, in *cognitoidentityprovider.ListUsersInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListUsersOutput, error)
}

// Cognito implements Lookup against a Cognito user pool.
type Cognito struct {
	client cognitoClient
	poolID string
	cache  *redis.Client
	log    zerolog.Logger
}

// NewCognito creates a directory backed by the given user pool and cache.
func NewCognito(client cognitoClient, poolID string, cache *redis.Client, log zerolog.Logger) *Cognito {
	return &Cognito{client: client, poolID: poolID, cache: cache, log: log}
}

// AccountIDs serves from the cache when possible. On a miss it rebuilds the
// whole person-id to account-id map from the pool, unless a rebuild already
// ran within the cooldown, in which case the person is reported unknown.
func (c *Cognito) AccountIDs(ctx context.Context, personID string) ([]string, error) {
	key := accountKeyPrefix + personID

	ids, err := c.cache.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: read account cache: %w", err)
	}
	if len(ids) > 0 {
		return ids, nil
	}

	acquired, err := c.cache.SetNX(ctx, rebuildLockKey, time.Now().UTC().Format(time.RFC3339), rebuildCooldown).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: acquire rebuild lock: %w", err)
	}
	if !acquired {
		return nil, ErrUserNotFound
	}

	if err := c.rebuild(ctx); err != nil {
		return nil, err
	}

	ids, err = c.cache.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: read account cache: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrUserNotFound
	}
	return ids, nil
}

// rebuild scans the entire user pool and repopulates the account cache.
func (c *Cognito) rebuild(ctx context.Context) error {
	start := time.Now()
	var token *string
	cached := 0

	for {
		out, err := c.client.ListUsers(ctx, &cognitoidentityprovider.ListUsersInput{
			UserPoolId:      aws.String(c.poolID),
			Limit:           aws.Int32(pageSize),
			PaginationToken: token,
		})
		if err != nil {
			return fmt.Errorf("directory: list users: %w", err)
		}

		pipe := c.cache.Pipeline()
		for _, u := range out.Users {
			attrs := attrMap(u.Attributes)
			personID, userID := attrs[attrTisID], attrs["sub"]
			if personID == "" || userID == "" {
				continue
			}
			key := accountKeyPrefix + personID
			pipe.SAdd(ctx, key, userID)
			pipe.Expire(ctx, key, accountTTL)
			cached++
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("directory: cache accounts: %w", err)
		}

		if out.PaginationToken == nil {
			break
		}
		token = out.PaginationToken
	}

	c.log.Info().
		Int("accounts", cached).
		Dur("took", time.Since(start)).
		Msg("user directory cache rebuilt")
	return nil
}

// DetailsByID looks up a single account by its user id.
func (c *Cognito) DetailsByID(ctx context.Context, userID string) (User, error) {
	return c.findOne(ctx, fmt.Sprintf("sub = %q", userID))
}

// DetailsByEmail looks up a single account by its registered email.
func (c *Cognito) DetailsByEmail(ctx context.Context, email string) (User, error) {
	return c.findOne(ctx, fmt.Sprintf("email = %q", email))
}

func (c *Cognito) findOne(ctx context.Context, filter string) (User, error) {
	out, err := c.client.ListUsers(ctx, &cognitoidentityprovider.ListUsersInput{
		UserPoolId: aws.String(c.poolID),
		Filter:     aws.String(filter),
		Limit:      aws.Int32(1),
	})
	if err != nil {
		return User{}, fmt.Errorf("directory: list users: %w", err)
	}
	if len(out.Users) == 0 {
		return User{}, ErrUserNotFound
	}

	attrs := attrMap(out.Users[0].Attributes)
	return User{
		ID:         attrs["sub"],
		Email:      attrs["email"],
		FamilyName: attrs["family_name"],
		GivenName:  attrs["given_name"],
		GmcNumber:  attrs[attrGmcNumber],
	}, nil
}

func attrMap(attrs []cogtypes.AttributeType) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		if a.Name != nil && a.Value != nil {
			m[*a.Name] = *a.Value
		}
	}
	return m
}
