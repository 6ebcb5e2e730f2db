package mem

import (
	"context"
	"testing"

	"github.com/bobg/fstream/testutil"
)

func TestStore(t *testing.T) {
	testutil.ReadWrite(context.Background(), t, New(), testutil.Data(1, 1<<20))
}
