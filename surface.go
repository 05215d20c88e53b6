package editsync

// contract the engine needs from the host editing surface. The document is
// owned exclusively by the surface; the engine mutates it only through these
// operations. Mutation notifications must carry the mutation kind and enough
// detail to identify the affected unit, never presentation markup.

type MutationKind string

const (
	MutationAdded   MutationKind = "added"
	MutationChanged MutationKind = "changed"
	MutationRemoved MutationKind = "removed"
	MutationMoved   MutationKind = "moved"
)

type Mutation struct {
	Kind   MutationKind
	UnitId Id
	Index  int
	// set for moves only
	FromUnitId Id
	ToUnitId   Id
	FromIndex  int
	ToIndex    int
}

type MutationFunc func(mutation Mutation)

type Surface interface {
	// snapshot of document order
	Units() []ContentUnit
	Insert(index int, unit ContentUnit) error
	Update(unitId Id, data any) error
	RemoveAt(index int) error
	Move(fromIndex int, toIndex int) error
	IndexOf(unitId Id) (int, bool)
	UnitAt(index int) (ContentUnit, bool)
	Unit(unitId Id) (ContentUnit, bool)
	// serializes the unit's current content. May be slow and must be awaited
	// before an outbound message is built. A nil result means there is
	// nothing to persist.
	Save(unitId Id) (any, error)
	AddMutationCallback(mutationCallback MutationFunc) func()
}
