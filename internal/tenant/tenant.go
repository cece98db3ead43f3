// Package tenant implements the bearer tenant tokens of spec.md §6: a
// JWT, signed with the parent API key, whose claims scope which indexes
// a bearer may search and with what implicit filter. Resolution
// intersects the parent key's own index ACL with the token's
// searchRules; a missing index match or an expired token both collapse
// to the same 403 invalid_api_key the teacher's auth middleware would
// raise for any other rejected credential.
package tenant

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/latticedb/lattice/internal/errors"
)

// IndexRule is one entry of a map-shaped searchRules claim: an index
// pattern mapped to an optional mandatory filter applied to every search
// against it.
type IndexRule struct {
	Filter *string `json:"filter,omitempty"`
}

// SearchRules is the polymorphic searchRules claim: "*" (all indexes,
// no filter), a list of index name patterns (trailing "*" allowed), or
// a map from index pattern to IndexRule.
type SearchRules struct {
	AllowAll bool
	Patterns []string
	Rules    map[string]IndexRule
}

// UnmarshalJSON accepts any of the three documented shapes.
func (s *SearchRules) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == `"*"`:
		s.AllowAll = true
		return nil
	case strings.HasPrefix(trimmed, "["):
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		s.Patterns = list
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var rules map[string]IndexRule
		if err := json.Unmarshal(data, &rules); err != nil {
			return err
		}
		s.Rules = rules
		return nil
	}
	return errors.New(errors.CodeInvalidAPIKey, "searchRules must be \"*\", a list of index patterns, or an index->rule map")
}

// MarshalJSON round-trips whichever shape was parsed (or set directly).
func (s SearchRules) MarshalJSON() ([]byte, error) {
	switch {
	case s.AllowAll:
		return []byte(`"*"`), nil
	case s.Rules != nil:
		return json.Marshal(s.Rules)
	default:
		return json.Marshal(s.Patterns)
	}
}

// Claims is the tenant token's payload (spec.md §6): searchRules, an
// optional expiry, and the parent API key's uid.
type Claims struct {
	SearchRules SearchRules `json:"searchRules"`
	APIKeyUID   string      `json:"apiKeyUid"`
	jwt.RegisteredClaims
}

// Generate signs a tenant token with signingKey (the parent API key's
// bytes), embedding searchRules, apiKeyUid, and an optional expiry.
func Generate(signingKey []byte, searchRules SearchRules, apiKeyUID string, expiresAt *time.Time) (string, error) {
	claims := Claims{SearchRules: searchRules, APIKeyUID: apiKeyUID}
	if expiresAt != nil {
		claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", errors.Wrap(errors.CodeInternal, err, "sign tenant token")
	}
	return signed, nil
}

// Verify parses and validates tokenString against signingKey, rejecting
// an expired token with invalid_api_key per spec.md §6 ("a missing index
// prefix match or expired token -> 403 invalid_api_key").
func Verify(tokenString string, signingKey []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.CodeInvalidAPIKey, "unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.Wrap(errors.CodeInvalidAPIKey, err, "invalid tenant token")
	}
	return claims, nil
}

// Resolve intersects parentIndexes (the parent API key's own ACL; "*"
// via a single "*" entry matches everything) with claims.SearchRules for
// indexUID, returning the effective filter (nil if none) or a 403
// invalid_api_key error.
func Resolve(claims *Claims, parentIndexes []string, indexUID string) (*string, error) {
	if claims.RegisteredClaims.ExpiresAt != nil && claims.RegisteredClaims.ExpiresAt.Before(time.Now()) {
		return nil, errors.New(errors.CodeInvalidAPIKey, "tenant token expired")
	}
	if !patternsAllow(parentIndexes, indexUID) {
		return nil, errors.New(errors.CodeInvalidAPIKey, "parent key does not grant access to index %q", indexUID)
	}

	sr := claims.SearchRules
	switch {
	case sr.AllowAll:
		return nil, nil
	case sr.Rules != nil:
		for pattern, rule := range sr.Rules {
			if matchPattern(pattern, indexUID) {
				return rule.Filter, nil
			}
		}
	default:
		if patternsAllow(sr.Patterns, indexUID) {
			return nil, nil
		}
	}
	return nil, errors.New(errors.CodeInvalidAPIKey, "token does not grant access to index %q", indexUID)
}

func patternsAllow(patterns []string, indexUID string) bool {
	for _, p := range patterns {
		if matchPattern(p, indexUID) {
			return true
		}
	}
	return false
}

// matchPattern matches pattern against indexUID; "*" matches everything,
// a trailing "*" is a prefix match, else exact equality.
func matchPattern(pattern, indexUID string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(indexUID, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == indexUID
}
