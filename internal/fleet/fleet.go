// Package fleet loads the server inventory used by deployment and monitoring.
package fleet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/splax/tenantops/internal/domain"
)

// Fleet is an ordered, read-only server inventory.
type Fleet struct {
	Servers []domain.ServerRecord
}

// Load reads a fleet file from disk.
func Load(path string) (Fleet, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fleet{}, fmt.Errorf("open fleet file: %w", err)
	}
	defer f.Close()
	fl, err := Parse(f)
	if err != nil {
		return Fleet{}, fmt.Errorf("%s: %w", path, err)
	}
	return fl, nil
}

// Parse reads "type,name,address,credential_ref" lines. Blank lines and lines starting
// with # are ignored.
func Parse(r io.Reader) (Fleet, error) {
	var fl Fleet
	seen := map[string]int{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 || len(fields) > 4 {
			return Fleet{}, fmt.Errorf("line %d: expected type,name,address[,credential_ref], got %d fields", lineNo, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		rec := domain.ServerRecord{
			Type:    domain.ServerType(strings.ToLower(fields[0])),
			Name:    fields[1],
			Address: fields[2],
		}
		if len(fields) == 4 {
			rec.CredentialRef = fields[3]
		}
		switch rec.Type {
		case domain.ServerShared, domain.ServerDedicated:
		default:
			return Fleet{}, fmt.Errorf("line %d: unknown server type %q", lineNo, fields[0])
		}
		if rec.Name == "" || rec.Address == "" {
			return Fleet{}, fmt.Errorf("line %d: name and address are required", lineNo)
		}
		if prev, ok := seen[rec.Name]; ok {
			return Fleet{}, fmt.Errorf("line %d: duplicate server %q (first on line %d)", lineNo, rec.Name, prev)
		}
		seen[rec.Name] = lineNo
		fl.Servers = append(fl.Servers, rec)
	}
	if err := scanner.Err(); err != nil {
		return Fleet{}, fmt.Errorf("read fleet file: %w", err)
	}
	return fl, nil
}

// Lookup returns the server with the given name.
func (f Fleet) Lookup(name string) (domain.ServerRecord, error) {
	for _, s := range f.Servers {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.ServerRecord{}, fmt.Errorf("server %q: %w", name, domain.ErrNotFound)
}

// HostOf returns the server hosting t. Dedicated servers win over the shared one.
func (f Fleet) HostOf(t domain.TenantRecord) (domain.ServerRecord, bool) {
	var shared *domain.ServerRecord
	for i, s := range f.Servers {
		if s.Type == domain.ServerDedicated && s.Hosts(t) {
			return s, true
		}
		if s.Type == domain.ServerShared && shared == nil && s.Hosts(t) {
			shared = &f.Servers[i]
		}
	}
	if shared != nil {
		return *shared, true
	}
	return domain.ServerRecord{}, false
}

// Tenants returns the tenants hosted on server, in input order.
func Tenants(server domain.ServerRecord, tenants []domain.TenantRecord) []domain.TenantRecord {
	var out []domain.TenantRecord
	for _, t := range tenants {
		if server.Hosts(t) {
			out = append(out, t)
		}
	}
	return out
}
