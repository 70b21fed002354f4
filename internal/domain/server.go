package domain

// ServerType classifies fleet members.
type ServerType string

const (
	ServerShared    ServerType = "shared"
	ServerDedicated ServerType = "dedicated"
)

// ServerRecord is one line of the fleet configuration.
type ServerRecord struct {
	Type          ServerType
	Name          string
	Address       string
	CredentialRef string
}

// Hosts reports whether tenant t is served by this server.
func (s ServerRecord) Hosts(t TenantRecord) bool {
	switch s.Type {
	case ServerDedicated:
		return t.ServerRef == s.Name
	case ServerShared:
		return t.ServerRef == "" || t.ServerRef == s.Name
	}
	return false
}
