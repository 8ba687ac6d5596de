package capability

import (
	"fmt"
	"sort"
)

// Capability is a symbolic permission name used by callers, decoupled from
// the provider's OAuth scope strings (e.g. "gmail_read").
type Capability string

// ServiceType identifies the Google service a capability belongs to.
type ServiceType string

const (
	ServiceGmail    ServiceType = "gmail"
	ServiceCalendar ServiceType = "calendar"
	ServiceDrive    ServiceType = "drive"
	ServiceDocs     ServiceType = "docs"
	ServiceSheets   ServiceType = "sheets"
)

// Capabilities for the supported Google Workspace services.
const (
	GmailRead      Capability = "gmail_read"
	GmailModify    Capability = "gmail_modify"
	GmailSend      Capability = "gmail_send"
	CalendarRead   Capability = "calendar_read"
	CalendarEvents Capability = "calendar_events"
	DriveRead      Capability = "drive_read"
	DriveWrite     Capability = "drive_write"
	DriveShare     Capability = "drive_share"
	DocsRead       Capability = "docs_read"
	SheetsRead     Capability = "sheets_read"
)

// UnknownCapabilityError is returned when a capability was never registered.
// This indicates a programming error in the caller, not a runtime condition.
type UnknownCapabilityError struct {
	Capability Capability
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability: %s", e.Capability)
}

// MixedServiceError is returned when a single call requires capabilities
// that span more than one service type. A service handle is bound to exactly
// one service, so such a request cannot be satisfied.
type MixedServiceError struct {
	Services []ServiceType
}

func (e *MixedServiceError) Error() string {
	return fmt.Sprintf("capabilities span multiple services: %v", e.Services)
}

type binding struct {
	scope   string
	service ServiceType
}

// Registry maps capabilities to the OAuth scope URIs they require and to the
// service type that owns them. It is populated once at construction time and
// is safe for concurrent reads afterwards.
type Registry struct {
	bindings map[Capability]binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[Capability]binding),
	}
}

// NewGoogleRegistry creates a registry pre-populated with the Google
// Workspace capabilities this application supports.
//
// Note that several capabilities may share one scope URI: drive_write and
// drive_share both require the full Drive scope.
func NewGoogleRegistry() *Registry {
	r := NewRegistry()
	r.Register(GmailRead, "https://www.googleapis.com/auth/gmail.readonly", ServiceGmail)
	r.Register(GmailModify, "https://www.googleapis.com/auth/gmail.modify", ServiceGmail)
	r.Register(GmailSend, "https://www.googleapis.com/auth/gmail.send", ServiceGmail)
	r.Register(CalendarRead, "https://www.googleapis.com/auth/calendar.readonly", ServiceCalendar)
	r.Register(CalendarEvents, "https://www.googleapis.com/auth/calendar.events", ServiceCalendar)
	r.Register(DriveRead, "https://www.googleapis.com/auth/drive.readonly", ServiceDrive)
	r.Register(DriveWrite, "https://www.googleapis.com/auth/drive", ServiceDrive)
	r.Register(DriveShare, "https://www.googleapis.com/auth/drive", ServiceDrive)
	r.Register(DocsRead, "https://www.googleapis.com/auth/documents.readonly", ServiceDocs)
	r.Register(SheetsRead, "https://www.googleapis.com/auth/spreadsheets.readonly", ServiceSheets)
	return r
}

// Register binds a capability to a scope URI and a service type.
// Re-registering a capability replaces its previous binding.
func (r *Registry) Register(c Capability, scopeURI string, service ServiceType) {
	r.bindings[c] = binding{scope: scopeURI, service: service}
}

// Resolve returns the OAuth scope URI required by a capability.
func (r *Registry) Resolve(c Capability) (string, error) {
	b, ok := r.bindings[c]
	if !ok {
		return "", &UnknownCapabilityError{Capability: c}
	}
	return b.scope, nil
}

// ResolveAll returns the deduplicated, sorted set of scope URIs required by
// the given capabilities. Two capabilities sharing one scope URI contribute
// a single element to the result.
func (r *Registry) ResolveAll(caps []Capability) ([]string, error) {
	seen := make(map[string]struct{}, len(caps))
	scopes := make([]string, 0, len(caps))
	for _, c := range caps {
		scope, err := r.Resolve(c)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// ServiceFor returns the single service type that owns all given
// capabilities. It fails if the set is empty, contains an unregistered
// capability, or spans more than one service.
func (r *Registry) ServiceFor(caps []Capability) (ServiceType, error) {
	if len(caps) == 0 {
		return "", &UnknownCapabilityError{Capability: ""}
	}

	var service ServiceType
	for _, c := range caps {
		b, ok := r.bindings[c]
		if !ok {
			return "", &UnknownCapabilityError{Capability: c}
		}
		if service == "" {
			service = b.service
			continue
		}
		if b.service != service {
			return "", &MixedServiceError{Services: []ServiceType{service, b.service}}
		}
	}
	return service, nil
}

// Capabilities returns all registered capabilities in sorted order.
func (r *Registry) Capabilities() []Capability {
	caps := make([]Capability, 0, len(r.bindings))
	for c := range r.bindings {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
