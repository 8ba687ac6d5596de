package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/token"
)

// RedirectOOB is the out-of-band redirect for CLI-driven consent flows:
// Google shows the authorization code for the user to paste back.
const RedirectOOB = "urn:ietf:wg:oauth:2.0:oob"

// identityScopes are always requested on top of the capability scopes so
// the linked account's email can be resolved after consent.
var identityScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
}

// OAuthConfig builds the oauth2 configuration used for consent, exchange,
// and refresh against Google's endpoints.
func OAuthConfig(clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	if redirectURL == "" {
		redirectURL = RedirectOOB
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
	}
}

// ConsentScopes returns the scope set to request for a capability set:
// the capabilities' scope URIs plus the identity scopes.
func ConsentScopes(registry *capability.Registry, caps []capability.Capability) ([]string, error) {
	scopes, err := registry.ResolveAll(caps)
	if err != nil {
		return nil, err
	}
	return append(scopes, identityScopes...), nil
}

// AuthCodeURL returns the consent URL for the configured scopes. Offline
// access is requested so a refresh token is issued, and consent is forced
// so re-linking an account always yields a fresh refresh token.
func AuthCodeURL(conf *oauth2.Config, state string) string {
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
	)
}

// Exchange trades an authorization code for a credential and resolves the
// email of the account that granted it. The returned credential has no
// account ID yet; the caller assigns one when linking.
func Exchange(ctx context.Context, conf *oauth2.Config, code string) (token.Credential, string, error) {
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return token.Credential{}, "", fmt.Errorf("failed to exchange auth code: %w", err)
	}

	email, err := fetchUserEmail(ctx, conf, tok)
	if err != nil {
		return token.Credential{}, "", err
	}

	return credentialFromToken(tok, conf.Scopes), email, nil
}

// NewRefresher returns a RefreshFunc that performs the refresh exchange
// against Google's token endpoint.
func NewRefresher(conf *oauth2.Config) token.RefreshFunc {
	return func(ctx context.Context, cred token.Credential) (token.Credential, error) {
		if cred.RefreshToken == "" {
			return token.Credential{}, &oauth2.RetrieveError{
				Response:         &http.Response{StatusCode: http.StatusBadRequest},
				ErrorCode:        "invalid_grant",
				ErrorDescription: "no refresh token stored",
			}
		}

		// Seed token with past expiry forces the token source to hit the
		// refresh endpoint.
		seed := &oauth2.Token{
			RefreshToken: cred.RefreshToken,
			Expiry:       time.Unix(1, 0),
		}
		renewed, err := conf.TokenSource(ctx, seed).Token()
		if err != nil {
			return token.Credential{}, err
		}

		out := credentialFromToken(renewed, cred.GrantedScopes)
		out.AccountID = cred.AccountID
		if out.RefreshToken == "" {
			out.RefreshToken = cred.RefreshToken
		}
		return out, nil
	}
}

// credentialFromToken converts an oauth2 token, taking granted scopes from
// the token response when present and falling back to the requested set.
func credentialFromToken(tok *oauth2.Token, fallbackScopes []string) token.Credential {
	scopes := fallbackScopes
	if raw, ok := tok.Extra("scope").(string); ok && raw != "" {
		scopes = strings.Fields(raw)
	}
	return token.Credential{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		Expiry:        tok.Expiry,
		GrantedScopes: scopes,
	}
}

const userinfoEndpoint = "https://www.googleapis.com/oauth2/v2/userinfo"

// fetchUserEmail asks the userinfo endpoint which account granted the
// token.
func fetchUserEmail(ctx context.Context, conf *oauth2.Config, tok *oauth2.Token) (string, error) {
	client := oauth2.NewClient(ctx, conf.TokenSource(ctx, tok))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode user info: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo response contains no email")
	}
	return info.Email, nil
}
