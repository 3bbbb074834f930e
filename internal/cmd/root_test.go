package cmd

import (
	"bytes"
	"testing"
)

func TestRootHelpListsSubcommands(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--help"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, name := range []string{"disk", "sidecar", "vminitd", "config"} {
		if !bytes.Contains(out.Bytes(), []byte(name)) {
			t.Errorf("help output missing subcommand %q:\n%s", name, out.String())
		}
	}
}

func TestDiskPackRequiresTwoArgs(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"disk", "pack", "only-one-arg"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected an error for missing pack LAYOUT_DIR arg")
	}
}
