package capability

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	r := NewGoogleRegistry()

	scope, err := r.Resolve(GmailRead)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if scope != "https://www.googleapis.com/auth/gmail.readonly" {
		t.Errorf("Resolve(gmail_read) = %s", scope)
	}

	// Resolution is deterministic
	again, err := r.Resolve(GmailRead)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if again != scope {
		t.Errorf("Resolve() not deterministic: %s != %s", again, scope)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := NewGoogleRegistry()

	_, err := r.Resolve("no_such_capability")
	if err == nil {
		t.Fatal("Resolve() for unregistered capability should return error")
	}

	var unknown *UnknownCapabilityError
	if !errors.As(err, &unknown) {
		t.Errorf("Resolve() error = %T, want *UnknownCapabilityError", err)
	}
	if unknown.Capability != "no_such_capability" {
		t.Errorf("error capability = %s", unknown.Capability)
	}
}

func TestResolveAllDeduplicatesSharedScope(t *testing.T) {
	r := NewGoogleRegistry()

	// drive_write and drive_share share the full Drive scope
	scopes, err := r.ResolveAll([]Capability{DriveWrite, DriveShare})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if len(scopes) != 1 {
		t.Errorf("ResolveAll() returned %d scopes, want 1: %v", len(scopes), scopes)
	}
}

func TestResolveAllMultipleScopes(t *testing.T) {
	r := NewGoogleRegistry()

	scopes, err := r.ResolveAll([]Capability{GmailRead, GmailSend})
	if err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if len(scopes) != 2 {
		t.Errorf("ResolveAll() returned %d scopes, want 2: %v", len(scopes), scopes)
	}
}

func TestResolveAllUnknownFails(t *testing.T) {
	r := NewGoogleRegistry()

	_, err := r.ResolveAll([]Capability{GmailRead, "bogus"})
	if err == nil {
		t.Fatal("ResolveAll() with unknown capability should fail")
	}
}

func TestServiceFor(t *testing.T) {
	r := NewGoogleRegistry()

	svc, err := r.ServiceFor([]Capability{GmailRead, GmailSend})
	if err != nil {
		t.Fatalf("ServiceFor() error = %v", err)
	}
	if svc != ServiceGmail {
		t.Errorf("ServiceFor() = %s, want %s", svc, ServiceGmail)
	}
}

func TestServiceForMixedServices(t *testing.T) {
	r := NewGoogleRegistry()

	_, err := r.ServiceFor([]Capability{GmailRead, DriveRead})
	if err == nil {
		t.Fatal("ServiceFor() with mixed services should fail")
	}

	var mixed *MixedServiceError
	if !errors.As(err, &mixed) {
		t.Errorf("ServiceFor() error = %T, want *MixedServiceError", err)
	}
}

func TestServiceForEmpty(t *testing.T) {
	r := NewGoogleRegistry()

	if _, err := r.ServiceFor(nil); err == nil {
		t.Fatal("ServiceFor() with no capabilities should fail")
	}
}
