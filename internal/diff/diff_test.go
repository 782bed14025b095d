package diff

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cassnap-project/cassnap/pkg/model"
)

func manifest(paths ...string) *model.Manifest {
	return model.NewManifest("prod", "node1", time.Now(), paths)
}

func TestDiff_NilManifestIsFullSet(t *testing.T) {
	current := []string{"ks/t/b", "ks/t/a", "ks/t/b"}
	assert.Equal(t, []string{"ks/t/a", "ks/t/b"}, Diff(current, nil))
}

func TestDiff_Subtraction(t *testing.T) {
	got := Diff([]string{"ks/t1/a", "ks/t1/b", "ks/t2/c"}, manifest("ks/t1/a", "ks/old/z"))
	assert.Equal(t, []string{"ks/t1/b", "ks/t2/c"}, got)
}

func TestDiff_SecondRunEmpty(t *testing.T) {
	current := []string{"ks/t1/a", "ks/t1/b"}
	assert.Empty(t, Diff(current, manifest(current...)))
}

func TestDiff_EmptyManifest(t *testing.T) {
	assert.Equal(t, []string{"a"}, Diff([]string{"a"}, manifest()))
}

// Random sets: the result is a sorted subset of current, disjoint from the
// manifest, and contains every current path not in the manifest.
func TestDiff_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		var current, last []string
		for j := 0; j < rng.IntN(30); j++ {
			current = append(current, fmt.Sprintf("ks/t%d/f%d", rng.IntN(3), rng.IntN(20)))
		}
		for j := 0; j < rng.IntN(30); j++ {
			last = append(last, fmt.Sprintf("ks/t%d/f%d", rng.IntN(3), rng.IntN(20)))
		}
		m := manifest(last...)
		got := Diff(current, m)

		inCurrent := map[string]bool{}
		for _, p := range current {
			inCurrent[p] = true
		}
		inLast := m.PathSet()
		inGot := map[string]bool{}
		for k, p := range got {
			require.True(t, inCurrent[p], "result must be a subset of current")
			_, dup := inLast[p]
			require.False(t, dup, "result must be disjoint from manifest")
			require.False(t, inGot[p], "result must be deduplicated")
			if k > 0 {
				require.Less(t, got[k-1], p, "result must be sorted")
			}
			inGot[p] = true
		}
		for p := range inCurrent {
			if _, ok := inLast[p]; !ok {
				require.True(t, inGot[p], "missing %s", p)
			}
		}
	}
}

func TestFiles(t *testing.T) {
	files := []model.DataFile{
		{RelPath: "ks/t1/a", Size: 10},
		{RelPath: "ks/t1/b", Size: 20},
		{RelPath: "ks/t2/c", Size: 5},
	}
	plan := Files(files, manifest("ks/t1/a", "ks/t1/compacted"))

	assert.Equal(t, []string{"ks/t1/b", "ks/t2/c"}, Paths(plan.Upload))
	assert.EqualValues(t, 25, plan.Bytes)
	assert.Equal(t, 1, plan.Unchanged)
	assert.Equal(t, 1, plan.Gone)
}

func TestFiles_FirstRun(t *testing.T) {
	files := []model.DataFile{{RelPath: "ks/t/b"}, {RelPath: "ks/t/a"}}
	plan := Files(files, nil)
	assert.Equal(t, []string{"ks/t/a", "ks/t/b"}, Paths(plan.Upload))
	assert.Zero(t, plan.Unchanged)
	assert.Zero(t, plan.Gone)
}
