// Package access models the precomputed permission result consumed by the
// session layer. A room grant is a signed token carrying the capability set
// and, only when collaboration is allowed, the room identity and key.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AstraDraw/astradraw-sub000/pkg/seal"
)

// Capability is a bitmap of what the holder may do with a document.
type Capability uint64

const (
	CanView Capability = 1 << iota
	CanEdit
	CanCollaborate
)

func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// Gate is the evaluated access result for one document open. Lack of
// CanCollaborate is not an error: the session joins read-only and simply
// never exports local edits. RoomKey is set only with CanCollaborate.
type Gate struct {
	Capabilities Capability
	UserID       string
	RoomID       string
	RoomKey      seal.Key
	HasKey       bool
}

func (g Gate) CanView() bool        { return g.Capabilities.Has(CanView) }
func (g Gate) CanEdit() bool        { return g.Capabilities.Has(CanEdit) }
func (g Gate) CanCollaborate() bool { return g.Capabilities.Has(CanCollaborate) }

// GrantClaims is the token body. The room key travels inside the signed
// grant, never to the durable store and never into logs.
type GrantClaims struct {
	Capabilities []string `json:"caps,omitempty"`
	RoomID       string   `json:"roomId,omitempty"`
	RoomKey      string   `json:"roomKey,omitempty"`
	jwt.RegisteredClaims
}

var capabilityNames = map[string]Capability{
	"view":        CanView,
	"edit":        CanEdit,
	"collaborate": CanCollaborate,
}

func compileCapabilities(names []string) (Capability, error) {
	var caps Capability
	for _, name := range names {
		flag, ok := capabilityNames[name]
		if !ok {
			return 0, fmt.Errorf("access: unknown capability %q", name)
		}
		caps |= flag
	}
	return caps, nil
}

// ParseGrant validates a grant token and compiles it into a Gate.
func ParseGrant(tokenString, secret string) (Gate, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GrantClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Gate{}, fmt.Errorf("access: validating grant: %w", err)
	}
	claims, ok := token.Claims.(*GrantClaims)
	if !ok || !token.Valid {
		return Gate{}, errors.New("access: invalid grant claims")
	}
	if claims.Subject == "" {
		return Gate{}, errors.New("access: grant missing subject")
	}

	caps, err := compileCapabilities(claims.Capabilities)
	if err != nil {
		return Gate{}, err
	}
	gate := Gate{
		Capabilities: caps,
		UserID:       claims.Subject,
		RoomID:       claims.RoomID,
	}
	if caps.Has(CanCollaborate) {
		if claims.RoomKey == "" {
			return Gate{}, errors.New("access: collaborate grant missing room key")
		}
		key, err := seal.ParseKey(claims.RoomKey)
		if err != nil {
			return Gate{}, err
		}
		gate.RoomKey = key
		gate.HasKey = true
	}
	return gate, nil
}

// MintGrant signs a grant token; used by the dev relay and tests. Production
// grants come from the permission backend.
func MintGrant(gate Gate, secret string, ttl time.Duration) (string, error) {
	var names []string
	for name, flag := range capabilityNames {
		if gate.Capabilities.Has(flag) {
			names = append(names, name)
		}
	}
	claims := &GrantClaims{
		Capabilities: names,
		RoomID:       gate.RoomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   gate.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	if gate.CanCollaborate() && gate.HasKey {
		claims.RoomKey = gate.RoomKey.Encode()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
