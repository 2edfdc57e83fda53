package main

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"
)

func TestMain(m *testing.M) {
	testscript.Main(m, map[string]func(){
		"fleetd": func() { os.Exit(run(os.Args[1:], os.Stdout, os.Stderr)) },
	})
}

func TestScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata",
	})
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	code := run([]string{"version"}, &stdout, &bytes.Buffer{})
	if code != 0 {
		t.Errorf("run([version]) = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "fleetd dev") {
		t.Errorf("stdout missing 'fleetd dev': %q", stdout.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"frobnicate"}, &bytes.Buffer{}, &stderr)
	if code == 0 {
		t.Errorf("unknown command exited 0")
	}
}

func TestSchemaCommand(t *testing.T) {
	var stdout bytes.Buffer
	code := run([]string{"schema"}, &stdout, &bytes.Buffer{})
	if code != 0 {
		t.Fatalf("run([schema]) = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "fleetd configuration") {
		t.Errorf("schema output missing title")
	}
}
