// Command clio-bench is a small demo binary that exercises the
// shared-memory substrate end to end: create a backend region, run
// each allocator family against it, and move a buffer through lightbeam
// over the shm transport. It is not a library entrypoint — the
// allocators and lightbeam package are meant to be imported directly —
// it exists only to give the scenarios in SPEC_FULL.md §9 something to
// run against outside of package tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/iowarp/clio-core/internal/allocator/arena"
	"github.com/iowarp/clio-core/internal/allocator/buddy"
	"github.com/iowarp/clio-core/internal/allocator/mp"
	"github.com/iowarp/clio-core/internal/backend"
	"github.com/iowarp/clio-core/internal/lightbeam"
	"github.com/iowarp/clio-core/internal/logging"
	"github.com/iowarp/clio-core/internal/shmptr"
)

// unsafeByteView gives a byte-slice view over a FullPtr[byte], mirroring
// lightbeam's unexported byteView helper (kept internal to that package).
func unsafeByteView(p shmptr.FullPtr[byte], n int) []byte {
	if p.Ptr == nil {
		return nil
	}
	return unsafe.Slice(p.Ptr, n)
}

func main() {
	var (
		dir      = flag.String("dir", os.Getenv("HSHM_SAB_PATH"), "backend region directory (defaults to HSHM_SAB_PATH, then /dev/shm)")
		capacity = flag.Uint64("capacity", 16<<20, "data arena capacity in bytes")
	)
	flag.Parse()

	log := logging.FromEnv("clio-bench")

	if err := run(log, *dir, *capacity); err != nil {
		log.Fatal("run failed", logging.F("error", err.Error()))
	}
}

func run(log *logging.Logger, dir string, capacity uint64) error {
	b, err := backend.Create(backend.CreateOptions{
		Dir:          dir,
		Name:         "clio-bench",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 1, Minor: 0},
	})
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	defer func() {
		if err := b.Destroy(); err != nil {
			log.Warning("destroy backend", logging.F("error", err.Error()))
		}
	}()
	log.Info("backend created", logging.F("capacity", capacity), logging.F("id", b.ID()))

	if err := runArenaScenario(log, b); err != nil {
		return fmt.Errorf("arena scenario: %w", err)
	}
	if err := runBuddyScenario(log, dir, capacity); err != nil {
		return fmt.Errorf("buddy scenario: %w", err)
	}
	if err := runMultiProcessScenario(log, dir, capacity); err != nil {
		return fmt.Errorf("multi-process scenario: %w", err)
	}
	if err := runLightbeamScenario(log, b); err != nil {
		return fmt.Errorf("lightbeam scenario: %w", err)
	}

	log.Success("all scenarios completed")
	return nil
}

func runArenaScenario(log *logging.Logger, b *backend.Backend) error {
	sub := log.With("arena")
	var a arena.Allocator
	if err := a.Init(b, shmptr.AllocatorId{SubID: 1}, nil); err != nil {
		return err
	}
	p, err := arena.Allocate[uint64](&a, 4)
	if err != nil {
		return err
	}
	sub.Info("allocated", logging.F("offset", p.Shm.Offset.Load()))
	return nil
}

func runBuddyScenario(log *logging.Logger, dir string, capacity uint64) error {
	sub := log.With("buddy")
	region, err := backend.Create(backend.CreateOptions{
		Dir:          dir,
		Name:         "clio-bench-buddy",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 1, Minor: 1},
	})
	if err != nil {
		return err
	}
	defer func() { _ = region.Destroy() }()

	var ba buddy.Allocator
	if err := ba.Init(region, shmptr.AllocatorId{SubID: 2}, nil); err != nil {
		return err
	}

	var ptrs []shmptr.FullPtr[byte]
	for i := 0; i < 64; i++ {
		p, err := ba.AllocateBytes(128)
		if err != nil {
			return err
		}
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		if err := ba.Free(p); err != nil {
			return err
		}
	}
	sub.Info("allocate/free cycle complete", logging.F("count", len(ptrs)), logging.F("used", ba.Used()))
	return nil
}

func runMultiProcessScenario(log *logging.Logger, dir string, capacity uint64) error {
	sub := log.With("mp")
	region, err := backend.Create(backend.CreateOptions{
		Dir:          dir,
		Name:         "clio-bench-mp",
		DataCapacity: capacity,
		ID:           shmptr.BackendId{Major: 1, Minor: 2},
	})
	if err != nil {
		return err
	}
	defer func() { _ = region.Destroy() }()

	var ma mp.Allocator
	if err := ma.Init(region, shmptr.AllocatorId{SubID: 3}, nil); err != nil {
		return err
	}

	done := make(chan error, 4)
	for g := 0; g < 4; g++ {
		go func() {
			for i := 0; i < 32; i++ {
				p, err := ma.AllocateBytes(64)
				if err != nil {
					done <- err
					return
				}
				if err := ma.Free(p, 64); err != nil {
					done <- err
					return
				}
			}
			done <- ma.DrainLocal()
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			return err
		}
	}
	sub.Info("concurrent allocate/free cycle complete", logging.F("goroutines", 4))
	return nil
}

func runLightbeamScenario(log *logging.Logger, b *backend.Backend) error {
	sub := log.With("lightbeam")
	var a arena.Allocator
	if err := a.Init(b, shmptr.AllocatorId{SubID: 4}, nil); err != nil {
		return err
	}

	payload := []byte("clio-bench round trip payload")
	src, err := arena.Allocate[byte](&a, len(payload))
	if err != nil {
		return err
	}
	copy(unsafeByteView(src, len(payload)), payload)

	client := lightbeam.NewShmClient(b)
	server := lightbeam.NewShmServer(b)
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	sendMeta := &lightbeam.LbmMeta{Send: []lightbeam.Bulk{client.Expose(src, uint64(len(payload)), lightbeam.BulkXfer)}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(ctx, sendMeta) }()

	recvMeta := &lightbeam.LbmMeta{Recv: []lightbeam.Bulk{{Size: uint64(len(payload)), Flags: lightbeam.BulkXfer}}}
	if err := server.RecvMetadata(ctx, recvMeta); err != nil {
		return err
	}
	if err := server.RecvBulks(ctx, recvMeta, &a); err != nil {
		return err
	}
	if err := <-errCh; err != nil {
		return err
	}

	sub.Info("bulk transfer round trip complete", logging.F("bytes", len(payload)))
	return nil
}
