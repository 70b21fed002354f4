package main

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitPositional(t *testing.T) {
	pos, flags := splitPositional([]string{"helmex", "--skip-migrations", "--db-port", "6432"})
	if !reflect.DeepEqual(pos, []string{"helmex"}) {
		t.Fatalf("unexpected positional %v", pos)
	}
	if !reflect.DeepEqual(flags, []string{"--skip-migrations", "--db-port", "6432"}) {
		t.Fatalf("unexpected flags %v", flags)
	}

	pos, flags = splitPositional([]string{"--confirm"})
	if len(pos) != 0 || len(flags) != 1 {
		t.Fatalf("unexpected split %v %v", pos, flags)
	}
}

func TestRedact(t *testing.T) {
	got := redact("postgresql://epica_acme:s3cret@db:5432/epica_acme")
	if strings.Contains(got, "s3cret") || !strings.Contains(got, "epica_acme") {
		t.Fatalf("password not redacted: %s", got)
	}
	if got := redact("host=db dbname=x"); got != "host=db dbname=x" {
		t.Fatalf("non-url descriptors are returned unchanged, got %s", got)
	}
}

func TestDeployOptions(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		rollback bool
		abort    bool
		ref      string
	}{
		{name: "defaults", args: nil, ref: "origin/main"},
		{name: "rollback halts the pass", args: []string{"--rollback"}, rollback: true, abort: true, ref: "origin/main"},
		{name: "abort only", args: []string{"--abort-on-error"}, abort: true, ref: "origin/main"},
		{name: "ref override", args: []string{"--ref", "v1.4.0", "--rollback"}, rollback: true, abort: true, ref: "v1.4.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := deployOptions(tt.args, "origin/main")
			if err != nil {
				t.Fatalf("deployOptions: %v", err)
			}
			if opts.Rollback != tt.rollback || opts.AbortOnError != tt.abort || opts.GitRef != tt.ref {
				t.Fatalf("unexpected options %+v", opts)
			}
		})
	}

	opts, err := deployOptions([]string{"--tenant", "helmex", "--dry-run"}, "origin/main")
	if err != nil {
		t.Fatalf("deployOptions: %v", err)
	}
	if opts.TenantFilter != "helmex" || !opts.DryRun {
		t.Fatalf("unexpected options %+v", opts)
	}

	if _, err := deployOptions([]string{"--bogus"}, "origin/main"); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}
