// Property-based determinism tests, grounded on the teacher's
// pkg/kernel/addenda_property_test.go (gopter-driven Merkle tree
// determinism check), retargeted from its evidence tree to this
// package's cell index.
package cellindex

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// TestRoot_DeterministicForSameEntries checks that building an index from
// the same (key, value) pairs always yields the same Merkle root,
// independent of insertion order.
func TestRoot_DeterministicForSameEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("index root is order-independent and repeatable", prop.ForAll(
		func(keys []string, seeds []byte) bool {
			n := len(keys)
			if n > len(seeds) {
				n = len(seeds)
			}
			if n == 0 {
				return true
			}

			forward := New()
			backward := New()
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				h := canonical.HashBytes([]byte{seeds[i]})
				forward.Set(keys[i], h)
			}
			for i := n - 1; i >= 0; i-- {
				if keys[i] == "" {
					continue
				}
				h := canonical.HashBytes([]byte{seeds[i]})
				backward.Set(keys[i], h)
			}

			return forward.Root() == backward.Root() && forward.Root() == forward.Root()
		},
		gen.SliceOfN(8, gen.AlphaString()),
		gen.SliceOfN(8, gen.UInt8()),
	))

	properties.TestingRun(t)
}

// TestRoot_ChangesWithDifferentValue checks that changing a single entry's
// hash changes the root (no accidental leaf-hash collisions from the
// construction's domain-separation prefixes).
func TestRoot_ChangesWithDifferentValue(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("changing one entry changes the root", prop.ForAll(
		func(key string, a, b byte) bool {
			if key == "" || a == b {
				return true
			}
			idx1 := New()
			idx1.Set(key, canonical.HashBytes([]byte{a}))
			idx2 := New()
			idx2.Set(key, canonical.HashBytes([]byte{b}))
			return idx1.Root() != idx2.Root()
		},
		gen.AlphaString(),
		gen.UInt8(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
