package lightbeam

import (
	"encoding/json"

	"github.com/iowarp/clio-core/internal/shmptr"
)

// bulkWire is Bulk's JSON shape. FullPtr[byte] cannot be marshaled
// directly: OffsetPtr keeps its offset in an unexported field so
// encoding/json would silently serialize it as {}. A BULK_EXPOSE-only
// bulk relies entirely on this metadata envelope to carry its ShmPtr (a
// BULK_XFER bulk's bytes travel separately via writeBulks/readBulks), so
// losing the offset here would corrupt every non-transfer exposure.
type bulkWire struct {
	BackendMajor uint32 `json:"backend_major"`
	BackendMinor uint32 `json:"backend_minor"`
	AllocSubID   uint32 `json:"alloc_sub_id"`
	Offset       uint64 `json:"offset"`
	Size         uint64 `json:"size"`
	Flags        uint32 `json:"flags"`
	MRID         uint32 `json:"mr_id,omitempty"`
}

func (b Bulk) MarshalJSON() ([]byte, error) {
	w := bulkWire{
		BackendMajor: b.Data.Shm.Alloc.Backend.Major,
		BackendMinor: b.Data.Shm.Alloc.Backend.Minor,
		AllocSubID:   b.Data.Shm.Alloc.SubID,
		Offset:       b.Data.Shm.Offset.Load(),
		Size:         b.Size,
		Flags:        b.Flags,
		MRID:         b.MRID,
	}
	return json.Marshal(w)
}

func (b *Bulk) UnmarshalJSON(raw []byte) error {
	var w bulkWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	shm := shmptr.ShmPtr{
		Alloc: shmptr.AllocatorId{
			Backend: shmptr.BackendId{Major: w.BackendMajor, Minor: w.BackendMinor},
			SubID:   w.AllocSubID,
		},
		Offset: shmptr.Offset(w.Offset),
	}
	b.Data = shmptr.FullPtr[byte]{Shm: shm}
	b.Size = w.Size
	b.Flags = w.Flags
	b.MRID = w.MRID
	return nil
}
