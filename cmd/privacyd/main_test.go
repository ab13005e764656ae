package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/storage"
	"github.com/developingchet/privacy-record/internal/testutil"
)

// TestRootSubcommands verifies all expected subcommands are registered.
func TestRootSubcommands(t *testing.T) {
	root := newRoot()

	registered := make(map[string]bool)
	for _, cmd := range root.Commands() {
		registered[cmd.Use] = true
	}

	for _, want := range []string{"run", "query", "version", "healthcheck"} {
		if !registered[want] {
			t.Errorf("subcommand %q not registered on root command", want)
		}
	}
}

// TestVersionOutput verifies the version subcommand prints the binary name.
func TestVersionOutput(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	oldStdout := os.Stdout
	os.Stdout = w

	root := newRoot()
	root.SetArgs([]string{"version"})
	execErr := root.Execute()

	w.Close()
	os.Stdout = oldStdout

	if execErr != nil {
		t.Fatalf("version command returned error: %v", execErr)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(buf.String(), "privacyd") {
		t.Errorf("version output %q does not contain %q", buf.String(), "privacyd")
	}
}

// TestRunDaemonInvalidConfig verifies runDaemon returns an error (not panics)
// when the configuration does not validate.
func TestRunDaemonInvalidConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")

	err := runDaemon()
	if err == nil {
		t.Fatal("expected runDaemon() to return an error for an unknown backend")
	}
	if !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Errorf("expected error message to mention STORE_BACKEND; got: %v", err)
	}
}

func seededStore(t *testing.T) storage.Store {
	t.Helper()
	s := testutil.NewMockStore()
	err := s.Insert([]storage.Row{
		{AppID: 5, OpCode: permission.OpCamera, Status: int32(permission.Foreground), Timestamp: 1000, AccessDuration: 40, AccessCount: 1},
		{AppID: 5, OpCode: permission.OpMicrophone, Status: int32(permission.Background), Timestamp: 2000, RejectCount: 2},
		{AppID: 6, OpCode: permission.OpCamera, Status: int32(permission.Foreground), Timestamp: 3000, AccessCount: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRunQuery(t *testing.T) {
	tests := []struct {
		name  string
		flags queryFlags
		want  int
	}{
		{"all", queryFlags{}, 3},
		{"one app", queryFlags{appID: 5}, 2},
		{"one permission", queryFlags{permissions: []string{"CAMERA"}}, 2},
		{"window", queryFlags{begin: 1500, end: 2500}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := runQuery(&buf, seededStore(t), tc.flags, zerolog.Nop()); err != nil {
				t.Fatalf("runQuery: %v", err)
			}
			var rows []queryRow
			if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if len(rows) != tc.want {
				t.Errorf("got %d rows, want %d: %s", len(rows), tc.want, buf.String())
			}
		})
	}
}

func TestRunQueryOutputFields(t *testing.T) {
	var buf bytes.Buffer
	if err := runQuery(&buf, seededStore(t), queryFlags{appID: 5, permissions: []string{"MICROPHONE"}}, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	var rows []queryRow
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].PermissionName != "MICROPHONE" || rows[0].RejectCount != 2 || rows[0].Status != permission.Background.String() {
		t.Errorf("row: %+v", rows[0])
	}
}

func TestRunQueryUnknownPermission(t *testing.T) {
	err := runQuery(io.Discard, seededStore(t), queryFlags{permissions: []string{"TELEPATHY"}}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for unknown permission")
	}
}

func TestRunQueryStoreFailure(t *testing.T) {
	s := testutil.NewMockStore()
	s.SetError("Select", io.ErrUnexpectedEOF)
	if err := runQuery(io.Discard, s, queryFlags{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error when the store fails")
	}
}
