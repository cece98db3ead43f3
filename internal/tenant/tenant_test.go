package tenant

import (
	json "encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/internal/errors"
)

func TestSearchRulesUnmarshalAllShapes(t *testing.T) {
	var star SearchRules
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &star))
	assert.True(t, star.AllowAll)

	var list SearchRules
	require.NoError(t, json.Unmarshal([]byte(`["movies", "books*"]`), &list))
	assert.Equal(t, []string{"movies", "books*"}, list.Patterns)

	var m SearchRules
	require.NoError(t, json.Unmarshal([]byte(`{"movies": {"filter": "genre = scifi"}}`), &m))
	require.Contains(t, m.Rules, "movies")
	require.NotNil(t, m.Rules["movies"].Filter)
	assert.Equal(t, "genre = scifi", *m.Rules["movies"].Filter)
}

func TestSearchRulesUnmarshalRejectsGarbage(t *testing.T) {
	var sr SearchRules
	err := json.Unmarshal([]byte(`42`), &sr)
	assert.Error(t, err)
}

func TestSearchRulesMarshalRoundTrips(t *testing.T) {
	star := SearchRules{AllowAll: true}
	out, err := star.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"*"`, string(out))

	list := SearchRules{Patterns: []string{"movies"}}
	out, err = list.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["movies"]`, string(out))
}

func TestGenerateAndVerifyRoundTrip(t *testing.T) {
	key := []byte("secret-signing-key")
	token, err := Generate(key, SearchRules{AllowAll: true}, "key-uid-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := Verify(token, key)
	require.NoError(t, err)
	assert.Equal(t, "key-uid-1", claims.APIKeyUID)
	assert.True(t, claims.SearchRules.AllowAll)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	token, err := Generate([]byte("right-key"), SearchRules{AllowAll: true}, "k", nil)
	require.NoError(t, err)

	_, err = Verify(token, []byte("wrong-key"))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInvalidAPIKey))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := []byte("secret")
	past := time.Now().Add(-time.Hour)
	token, err := Generate(key, SearchRules{AllowAll: true}, "k", &past)
	require.NoError(t, err)

	_, err = Verify(token, key)
	assert.Error(t, err)
}

func TestResolveAllowAllGrantsNilFilter(t *testing.T) {
	claims := &Claims{SearchRules: SearchRules{AllowAll: true}}
	filter, err := Resolve(claims, []string{"*"}, "movies")
	require.NoError(t, err)
	assert.Nil(t, filter)
}

func TestResolveRulesMapReturnsFilterForMatchingPattern(t *testing.T) {
	f := "genre = scifi"
	claims := &Claims{SearchRules: SearchRules{Rules: map[string]IndexRule{"movies": {Filter: &f}}}}
	filter, err := Resolve(claims, []string{"*"}, "movies")
	require.NoError(t, err)
	require.NotNil(t, filter)
	assert.Equal(t, f, *filter)
}

func TestResolveRejectsIndexOutsideParentACL(t *testing.T) {
	claims := &Claims{SearchRules: SearchRules{AllowAll: true}}
	_, err := Resolve(claims, []string{"books"}, "movies")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeInvalidAPIKey))
}

func TestResolveRejectsIndexOutsideTokenPatterns(t *testing.T) {
	claims := &Claims{SearchRules: SearchRules{Patterns: []string{"books*"}}}
	_, err := Resolve(claims, []string{"*"}, "movies")
	assert.Error(t, err)
}

func TestResolveRejectsExpiredClaims(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	claims := &Claims{SearchRules: SearchRules{AllowAll: true}}
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(past)
	_, err := Resolve(claims, []string{"*"}, "movies")
	assert.Error(t, err)
}

func TestMatchPatternTrailingWildcard(t *testing.T) {
	assert.True(t, matchPattern("books*", "books-fiction"))
	assert.False(t, matchPattern("books*", "movies"))
	assert.True(t, matchPattern("*", "anything"))
	assert.True(t, matchPattern("movies", "movies"))
	assert.False(t, matchPattern("movies", "movies2"))
}
