package loader

import (
	"testing"

	"go.viam.com/starfield/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}
