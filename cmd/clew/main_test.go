package main

import "testing"

func TestBuildRootCmd(t *testing.T) {
	cmd := buildRootCmd()
	if cmd.Use != "clew" {
		t.Errorf("Use = %q, want clew", cmd.Use)
	}
	for _, name := range []string{"serve", "config"} {
		if c, _, err := cmd.Find([]string{name}); err != nil || c == cmd {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
