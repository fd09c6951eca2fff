package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "autopilot"}
	child := &cobra.Command{Use: "killswitch", Short: "kill switch controls"}
	on := Mark(&cobra.Command{Use: "on", Short: "engage", Aliases: []string{"engage"}})
	on.Flags().String("reason", "", "why the switch was engaged")
	_ = on.MarkFlagRequired("reason")
	status := &cobra.Command{Use: "status", Short: "show state"}
	child.AddCommand(on, status)
	root.AddCommand(child)

	s, err := Build(root, "killswitch engage")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "autopilot killswitch on" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if !s.Mutates {
		t.Fatal("expected on to be marked as mutating")
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "reason" || !s.Flags[0].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}

	s, err = Build(root, "killswitch")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Mutates || len(s.Subcommands) != 2 {
		t.Fatalf("unexpected group schema: %+v", s)
	}

	if _, err := Build(root, "killswitch toggle"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
