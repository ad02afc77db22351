package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestImportPredicates(t *testing.T) {
	cases := []struct {
		name string
		pred func(string) bool
		in   string
		want bool
	}{
		{"domain", DomainImportForbidden, Module + "/pkg/domain", true},
		{"domain versioned", DomainImportForbidden, "example.com/mod/pkg/domain@v1", true},
		{"not domain", DomainImportForbidden, Module + "/pkg/pluginapi", false},
		{"internal", InternalImportForbidden, Module + "/internal/core", true},
		{"public", InternalImportForbidden, Module + "/pkg/pluginapi", false},
		{"stdlib", ThirdPartyImportForbidden(), "net/http", false},
		{"third party", ThirdPartyImportForbidden(), "github.com/google/uuid", true},
		{"allowed", ThirdPartyImportForbidden(Module + "/pkg/domain"), Module + "/pkg/domain", false},
		{"any of", AnyOf(DomainImportForbidden, InternalImportForbidden), Module + "/internal/blob", true},
		{"any of none", AnyOf(), Module + "/internal/blob", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("%s: predicate(%q)=%v want %v", c.name, c.in, got, c.want)
		}
	}
}

func writeFile(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestAssertNoDirectImportsSkipsTestsAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plugin.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n")
	writeFile(t, dir, "plugin_test.go", "package tmp\nimport _ \""+Module+"/internal/core\"\n")
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, sub, "sub.go", "package sub\nimport _ \""+Module+"/internal/core\"\n")

	AssertNoDirectImports(t, dir, InternalImportForbidden, "plugins stay outside internal")
}

type recordingT struct {
	msg string
}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.msg = fmt.Sprintf(format, args...)
}

func TestDirectViolationsAreReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.go", "package tmp\nimport _ \""+Module+"/pkg/domain\"\n")

	viols, err := directImportViolations(dir, DomainImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "bad.go") {
		t.Fatalf("unexpected violations %v", viols)
	}
	rec := &recordingT{}
	failIfDirectViolations(rec, "facade only", viols)
	if !strings.Contains(rec.msg, "facade only") {
		t.Fatalf("expected reason in failure, got %q", rec.msg)
	}
	rec = &recordingT{}
	failIfDirectViolations(rec, "none", nil)
	if rec.msg != "" {
		t.Fatalf("unexpected failure %q", rec.msg)
	}
}

func TestDirectImportsUnreadableSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.go", "package\n")
	if _, err := directImportViolations(dir, DomainImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := directImportViolations(filepath.Join(dir, "missing"), DomainImportForbidden); err == nil {
		t.Fatalf("expected read error")
	}
}
