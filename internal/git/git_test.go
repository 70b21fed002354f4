package git

import "testing"

func TestQuote(t *testing.T) {
	if got := Quote("/opt/epica"); got != "'/opt/epica'" {
		t.Fatalf("Quote = %s", got)
	}
	if got := Quote("it's"); got != `'it'\''s'` {
		t.Fatalf("Quote = %s", got)
	}
}

func TestCommands(t *testing.T) {
	if got := Head("/opt/epica"); got != "cd '/opt/epica' && GIT_TERMINAL_PROMPT=0 git rev-parse HEAD" {
		t.Fatalf("Head = %s", got)
	}
	if got := Resolve("/opt/epica", "origin/main"); got != "cd '/opt/epica' && GIT_TERMINAL_PROMPT=0 git rev-parse --verify 'origin/main^{commit}'" {
		t.Fatalf("Resolve = %s", got)
	}
	if got := Checkout("/app", "abc1234"); got != "cd '/app' && GIT_TERMINAL_PROMPT=0 git checkout --force --quiet --detach 'abc1234'" {
		t.Fatalf("Checkout = %s", got)
	}
}

func TestParseRevision(t *testing.T) {
	rev, err := ParseRevision("warning: something\nA1B2C3D4E5F60718293a4b5c6d7e8f9012345678\n")
	if err != nil {
		t.Fatalf("ParseRevision returned error: %v", err)
	}
	if rev != "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678" {
		t.Fatalf("rev = %s", rev)
	}
	for _, bad := range []string{"", "  \n", "fatal: bad revision", "xyz"} {
		if _, err := ParseRevision(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if Short(rev) != "a1b2c3d4e5f6" {
		t.Fatalf("Short = %s", Short(rev))
	}
}
