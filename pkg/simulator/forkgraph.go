package simulator

import "github.com/fortiblox/svmsim/pkg/svm/runtime"

// ForkGraph is a single linear fork: every lower slot is an ancestor of
// every higher one.
type ForkGraph struct{}

// Relationship reports how slot a relates to slot b.
func (ForkGraph) Relationship(a, b uint64) runtime.BlockRelation {
	switch {
	case a < b:
		return runtime.Ancestor
	case a == b:
		return runtime.Equal
	default:
		return runtime.Descendant
	}
}

var _ runtime.ForkGraph = ForkGraph{}
