package google

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/token"
)

// fakeTokenEndpoint serves refresh exchanges for tests.
func fakeTokenEndpoint(t *testing.T, handler http.HandlerFunc) *oauth2.Config {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: server.URL + "/token"},
	}
}

func TestRefresherExchangesRefreshToken(t *testing.T) {
	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"renewed","token_type":"Bearer","expires_in":3600}`))
	})

	refresh := NewRefresher(conf)
	scopes := []string{"https://www.googleapis.com/auth/gmail.readonly"}

	cred, err := refresh(context.Background(), token.Credential{
		AccountID:     "acct1",
		AccessToken:   "stale",
		RefreshToken:  "refresh-1",
		Expiry:        time.Now().Add(-time.Minute),
		GrantedScopes: scopes,
	})
	require.NoError(t, err)

	assert.Equal(t, "acct1", cred.AccountID)
	assert.Equal(t, "renewed", cred.AccessToken)
	assert.Equal(t, "refresh-1", cred.RefreshToken, "refresh token carried forward when response omits it")
	assert.Equal(t, scopes, cred.GrantedScopes)
	assert.True(t, cred.Expiry.After(time.Now().Add(30*time.Minute)))
}

func TestRefresherDeniedSurfacesRetrieveError(t *testing.T) {
	conf := fakeTokenEndpoint(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	refresh := NewRefresher(conf)
	_, err := refresh(context.Background(), token.Credential{
		AccountID:    "acct1",
		RefreshToken: "revoked",
	})

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
}

func TestRefresherWithoutRefreshToken(t *testing.T) {
	refresh := NewRefresher(&oauth2.Config{})

	_, err := refresh(context.Background(), token.Credential{AccountID: "acct1"})

	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
}

func TestConsentScopesIncludeIdentity(t *testing.T) {
	registry := capability.NewGoogleRegistry()

	scopes, err := ConsentScopes(registry, []capability.Capability{capability.GmailRead})
	require.NoError(t, err)

	assert.Contains(t, scopes, "https://www.googleapis.com/auth/gmail.readonly")
	assert.Contains(t, scopes, "openid")
	assert.Contains(t, scopes, "https://www.googleapis.com/auth/userinfo.email")
}

func TestAuthCodeURLRequestsOfflineAccess(t *testing.T) {
	conf := OAuthConfig("client-id", "secret", "", []string{"openid"})

	url := AuthCodeURL(conf, "state-1")

	assert.True(t, strings.Contains(url, "access_type=offline"), "url: %s", url)
	assert.True(t, strings.Contains(url, "prompt=consent") || strings.Contains(url, "approval_prompt=force"), "url: %s", url)
}
