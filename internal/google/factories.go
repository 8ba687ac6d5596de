package google

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	docs "google.golang.org/api/docs/v1"
	drive "google.golang.org/api/drive/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"

	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/servicecache"
	"github.com/sylvie/workspace-broker/internal/token"
)

// Factories returns the handle factory for every supported Google service.
// Each handle is bound to the credential it was built with; when the
// credential is refreshed the service cache rebuilds the handle rather
// than mutating it.
func Factories() map[capability.ServiceType]servicecache.Factory {
	return map[capability.ServiceType]servicecache.Factory{
		capability.ServiceGmail: func(ctx context.Context, cred token.Credential) (any, error) {
			svc, err := gmail.NewService(ctx, option.WithTokenSource(staticTokenSource(cred)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Gmail service: %w", err)
			}
			return svc, nil
		},
		capability.ServiceCalendar: func(ctx context.Context, cred token.Credential) (any, error) {
			svc, err := calendar.NewService(ctx, option.WithTokenSource(staticTokenSource(cred)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Calendar service: %w", err)
			}
			return svc, nil
		},
		capability.ServiceDrive: func(ctx context.Context, cred token.Credential) (any, error) {
			svc, err := drive.NewService(ctx, option.WithTokenSource(staticTokenSource(cred)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Drive service: %w", err)
			}
			return svc, nil
		},
		capability.ServiceDocs: func(ctx context.Context, cred token.Credential) (any, error) {
			svc, err := docs.NewService(ctx, option.WithTokenSource(staticTokenSource(cred)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Docs service: %w", err)
			}
			return svc, nil
		},
		capability.ServiceSheets: func(ctx context.Context, cred token.Credential) (any, error) {
			svc, err := sheets.NewService(ctx, option.WithTokenSource(staticTokenSource(cred)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Sheets service: %w", err)
			}
			return svc, nil
		},
	}
}

// staticTokenSource pins a handle to the access token it was built with.
// Refresh happens in the token store, not inside a live handle: a handle
// whose token dies is rebuilt by the cache, never patched in place.
func staticTokenSource(cred token.Credential) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.Expiry,
	})
}
