package domain

import (
	"testing"

	"github.com/max-bytes/omnikeeper-sub003/testutil"
)

// TestDomainDoesNotImportInternal keeps the domain model free of engine and
// store packages so the plugin facade can re-export it.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain must not depend on internal packages")
}

func TestDomainThirdPartyImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ThirdPartyImportForbidden("github.com/google/uuid"),
		"domain depends on uuid only")
}
