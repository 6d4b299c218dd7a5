package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "healthcheck", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildServeCmdFlagDefaults(t *testing.T) {
	cmd := buildServeCmd()

	host, err := cmd.Flags().GetString("host")
	if err != nil || host != "" {
		t.Fatalf("expected empty host default so config.Load's env value wins, got %q, err %v", host, err)
	}

	port, err := cmd.Flags().GetInt("port")
	if err != nil || port != 0 {
		t.Fatalf("expected zero port default so config.Load's env value wins, got %d, err %v", port, err)
	}
}

func TestBuildHealthcheckCmdDefaultAddr(t *testing.T) {
	cmd := buildHealthcheckCmd()
	addr, err := cmd.Flags().GetString("addr")
	if err != nil || addr != "http://127.0.0.1:8000" {
		t.Fatalf("expected default addr, got %q, err %v", addr, err)
	}
}
