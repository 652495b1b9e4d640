package shmptr

// ShmPtr is a fully self-describing, position-independent pointer: any
// process attached to the referenced allocator can resolve it to a raw
// address. Null is defined by either half being null.
type ShmPtr struct {
	Alloc  AllocatorId
	Offset OffsetPtr
}

func NullShmPtr() ShmPtr {
	return ShmPtr{Alloc: NullAllocatorId(), Offset: NullOffset()}
}

func (p ShmPtr) IsNull() bool {
	return p.Alloc.IsNull() || p.Offset.IsNull()
}

// Equal reports whether both halves match.
func (p ShmPtr) Equal(other ShmPtr) bool {
	return p.Alloc == other.Alloc && p.Offset.Load() == other.Offset.Load()
}

// Add affects only the offset half.
func (p ShmPtr) Add(count uint64) ShmPtr {
	return ShmPtr{Alloc: p.Alloc, Offset: p.Offset.Add(count)}
}

func (p ShmPtr) Sub(count uint64) ShmPtr {
	return ShmPtr{Alloc: p.Alloc, Offset: p.Offset.Sub(count)}
}

func (p ShmPtr) Mark() ShmPtr {
	return ShmPtr{Alloc: p.Alloc, Offset: p.Offset.Mark()}
}

func (p ShmPtr) IsMarked() bool { return p.Offset.IsMarked() }
