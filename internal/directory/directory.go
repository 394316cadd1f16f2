package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"markethub/pkg/types"
)

const lookupTimeout = 10 * time.Second

// UserStore is the persistence the directory resolves identities against.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (types.User, error)
	GetOrderOwner(ctx context.Context, orderID string) (string, error)
}

// Claims is the token payload issued by the marketplace auth service.
type Claims struct {
	Name string     `json:"name"`
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

// Directory verifies HS256 bearer tokens and resolves users and order owners
// from a UserStore.
type Directory struct {
	store  UserStore
	secret []byte
	issuer string
	users  singleflight.Group
}

// New creates a directory. An empty issuer disables the issuer check.
func New(store UserStore, secret, issuer string) *Directory {
	return &Directory{
		store:  store,
		secret: []byte(secret),
		issuer: issuer,
	}
}

// Authenticate verifies token and returns the stored identity of its subject.
// Every failure, including an unknown subject, is reported as forbidden.
func (d *Directory) Authenticate(ctx context.Context, token string) (types.User, error) {
	if token == "" {
		return types.User{}, fmt.Errorf("%w: missing token", types.ErrForbidden)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if d.issuer != "" {
		opts = append(opts, jwt.WithIssuer(d.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return d.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return types.User{}, fmt.Errorf("%w: invalid token", types.ErrForbidden)
	}
	if claims.Subject == "" {
		return types.User{}, fmt.Errorf("%w: token has no subject", types.ErrForbidden)
	}

	user, err := d.Lookup(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.User{}, fmt.Errorf("%w: unknown user %s", types.ErrForbidden, claims.Subject)
		}
		return types.User{}, err
	}
	return user, nil
}

// Lookup resolves a user id. Concurrent lookups of the same id, as when
// every device of a user reconnects at once, share one store read. The
// shared read is detached from the caller that started it, so one caller
// giving up does not fail the others; each caller still stops waiting when
// its own ctx ends.
func (d *Directory) Lookup(ctx context.Context, userID string) (types.User, error) {
	ch := d.users.DoChan(userID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return d.store.GetUser(readCtx, userID)
	})

	select {
	case <-ctx.Done():
		return types.User{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.User{}, res.Err
		}
		return res.Val.(types.User), nil
	}
}

// OrderOwner resolves the user that placed an order.
func (d *Directory) OrderOwner(ctx context.Context, orderID string) (string, error) {
	return d.store.GetOrderOwner(ctx, orderID)
}

// IssueToken signs a token for user valid for ttl. It backs the token
// subcommand; production tokens come from the marketplace auth service.
func (d *Directory) IssueToken(user types.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: user.Name,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    d.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
}
