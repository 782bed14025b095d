package trigger

import (
	"strings"
	"testing"

	"github.com/cassnap-project/cassnap/pkg/pathutil"
)

func FuzzParseTag(f *testing.F) {
	f.Add(nodetoolOutput)
	f.Add("Snapshot directory: ../../etc\n")
	f.Add("Snapshot directory:\n")
	f.Add("no tag here")

	f.Fuzz(func(t *testing.T, out string) {
		tag, err := ParseTag(strings.NewReader(out))
		if err != nil {
			return
		}
		if err := pathutil.ValidateTag(tag.String()); err != nil {
			t.Errorf("ParseTag returned invalid tag %q: %v", tag, err)
		}
	})
}
