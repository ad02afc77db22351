package memory

import (
	"go/build"
	"strings"
	"testing"
)

const modulePath = "github.com/max-bytes/omnikeeper-sub003/"

var allowedDomainImports = map[string]struct{}{
	modulePath + "pkg/domain": {},
}

func TestImportsAreDomainOrStdlib(t *testing.T) {
	pkg, err := build.Default.ImportDir(".", 0)
	if err != nil {
		t.Fatalf("import dir: %v", err)
	}
	for _, imp := range pkg.Imports {
		if !strings.HasPrefix(imp, modulePath) {
			continue
		}
		if _, ok := allowedDomainImports[imp]; ok {
			continue
		}
		t.Fatalf("unexpected dependency: %s", imp)
	}
}
