package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	RoleAsker        = "asker"
	RoleCatalogAdmin = "catalog_admin"
)

var knownRoles = map[string]struct{}{
	RoleAsker:        {},
	RoleCatalogAdmin: {},
}

type Identity struct {
	Principal string
	Roles     []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

// StaticAPIKeyValidator holds only digests of the configured keys.
type StaticAPIKeyValidator struct {
	entries []staticKey
}

type staticKey struct {
	digest   [sha256.Size]byte
	identity Identity
}

// NewStaticAPIKeyValidator parses "key:principal:role|role" entries separated
// by commas.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	seen := map[[sha256.Size]byte]struct{}{}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return validator, nil
	}

	entries := strings.Split(spec, ",")
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:principal:role|role", entry)
		}
		key := strings.TrimSpace(parts[0])
		principal := strings.TrimSpace(parts[1])
		if key == "" || principal == "" {
			return nil, fmt.Errorf("invalid static key entry %q: empty key/principal", entry)
		}
		digest := sha256.Sum256([]byte(key))
		if _, exists := seen[digest]; exists {
			return nil, fmt.Errorf("invalid static key entry for principal %q: duplicate key", principal)
		}
		seen[digest] = struct{}{}
		roleParts := strings.Split(strings.TrimSpace(parts[2]), "|")
		roles := make([]string, 0, len(roleParts))
		for _, role := range roleParts {
			role = strings.TrimSpace(role)
			if role == "" {
				continue
			}
			if _, ok := knownRoles[role]; !ok {
				return nil, fmt.Errorf("invalid static key entry %q: unknown role %q", entry, role)
			}
			roles = append(roles, role)
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry %q: at least one role is required", entry)
		}
		slices.Sort(roles)
		validator.entries = append(validator.entries, staticKey{
			digest:   digest,
			identity: Identity{Principal: principal, Roles: slices.Compact(roles)},
		})
	}

	return validator, nil
}

// Validate compares digests in constant time and checks every entry so
// timing does not reveal which key matched.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	digest := sha256.Sum256([]byte(apiKey))
	var found Identity
	matched := 0
	for _, entry := range v.entries {
		if subtle.ConstantTimeCompare(digest[:], entry.digest[:]) == 1 {
			found = entry.identity
			matched = 1
		}
	}
	return found, matched == 1
}
