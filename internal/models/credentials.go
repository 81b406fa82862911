package models

import "fmt"

// CredentialType names the kind of classic credential source an
// identifier resolves to.
type CredentialType string

const (
	CredentialTypeStatic           CredentialType = "static"
	CredentialTypeStaticSession    CredentialType = "static-session"
	CredentialTypeAssumeRole       CredentialType = "assume-role"
	CredentialTypeProcess          CredentialType = "credential-process"
	CredentialTypeSSOProfile       CredentialType = "sso-profile"
	CredentialTypeInstanceMetadata CredentialType = "instance-metadata"
)

// CredentialIdentifier is a discovered, not yet activated, classic
// credential source. Identifiers are immutable; a factory reports a
// changed source as a modified identifier with the same ID.
type CredentialIdentifier struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name"`
	FactoryID     string         `json:"factory_id"`
	Type          CredentialType `json:"credential_type"`
	DefaultRegion string         `json:"default_region,omitempty"`
}

// CredentialsChangeEvent is emitted by factories as sources appear,
// change, or disappear.
type CredentialsChangeEvent struct {
	Added    []CredentialIdentifier `json:"added,omitempty"`
	Modified []CredentialIdentifier `json:"modified,omitempty"`
	Removed  []CredentialIdentifier `json:"removed,omitempty"`
}

// Empty reports whether the event carries no changes.
func (e CredentialsChangeEvent) Empty() bool {
	return len(e.Added) == 0 && len(e.Modified) == 0 && len(e.Removed) == 0
}

// Validate checks that no identifier appears in more than one list.
func (e CredentialsChangeEvent) Validate() error {
	seen := make(map[string]string)

	check := func(list string, ids []CredentialIdentifier) error {
		for _, id := range ids {
			if prev, dup := seen[id.ID]; dup {
				return fmt.Errorf("identifier %q appears in both %s and %s", id.ID, prev, list)
			}

			seen[id.ID] = list
		}

		return nil
	}

	if err := check("added", e.Added); err != nil {
		return err
	}

	if err := check("modified", e.Modified); err != nil {
		return err
	}

	return check("removed", e.Removed)
}
