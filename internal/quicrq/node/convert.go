package node

import (
	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
)

// fromWire converts a decoded FRAGMENT into the shared quicrq.Fragment
// shape cache.Insert and reassembly.Buffer both operate on. wire.Fragment's
// "0 means not present" convention for NbObjectsPreviousGroup collapses
// the legitimate "previous group really does have 0 objects declared"
// case that quicrq.Fragment's explicit HasNbObjectsPreviousGroup flag
// distinguishes — in practice no group legitimately declares zero objects
// (spec §4.2: "a real group always has >=1 object"), so the collapse is
// harmless, but the flag is set only when the field is present on the
// wire at all, per spec's literal grammar.
func fromWire(f *wire.Fragment) quicrq.Fragment {
	return quicrq.Fragment{
		GroupID:                   f.GroupID,
		ObjectID:                  f.ObjectID,
		Offset:                    f.Offset,
		IsLastFragment:            f.IsLastFragment,
		NbObjectsPreviousGroup:    f.NbObjectsPreviousGroup,
		HasNbObjectsPreviousGroup: f.NbObjectsPreviousGroup != 0,
		Flags:                     f.Flags,
		Payload:                   f.Payload,
	}
}

// toWire is fromWire's inverse, used when a cached fragment is sent back
// out over the wire to a subscriber.
func toWire(f quicrq.Fragment) *wire.Fragment {
	nb := f.NbObjectsPreviousGroup
	if !f.HasNbObjectsPreviousGroup {
		nb = 0
	}
	return &wire.Fragment{
		GroupID:                f.GroupID,
		ObjectID:               f.ObjectID,
		NbObjectsPreviousGroup: nb,
		Offset:                 f.Offset,
		Flags:                  f.Flags,
		IsLastFragment:         f.IsLastFragment,
		Payload:                f.Payload,
	}
}
