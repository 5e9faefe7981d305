package entity

// SystemID is the acting-identity id used for operations performed by the
// host application itself rather than a user.
const SystemID = "system"

// Identity is the acting identity behind a lifecycle call. Only the ID is
// guaranteed; the remaining fields are filled by a directory lookup when the
// delivery task resolves the identity.
type Identity struct {
	ID       string         `json:"id"`
	Email    string         `json:"email,omitempty"`
	Username string         `json:"username,omitempty"`
	Profile  map[string]any `json:"profile,omitempty"`
}

// System is the sentinel identity for system-level operations.
var System = Identity{ID: SystemID, Username: "system"}

// IsSystem reports whether this is the system sentinel identity.
func (i Identity) IsSystem() bool {
	return i.ID == SystemID
}
