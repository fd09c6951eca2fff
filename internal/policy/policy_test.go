package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/defi-autopilot/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "killswitch on"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	allow := []string{"records", "killswitch status"}
	for _, path := range []string{"records list", "Records  List", "killswitch status", "version"} {
		if err := CheckCommandAllowed(allow, path); err != nil {
			t.Fatalf("expected %q to be allowed: %v", path, err)
		}
	}
	for _, path := range []string{"killswitch on", "execute", "recordsx"} {
		err := CheckCommandAllowed(allow, path)
		if !clierr.Is(err, clierr.CodeBlocked) {
			t.Fatalf("expected %q to be blocked, got %v", path, err)
		}
	}
}
