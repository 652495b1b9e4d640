package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAttachDestroy(t *testing.T) {
	dir := t.TempDir()
	name := "region-a"

	created, err := Create(CreateOptions{
		Dir:          dir,
		Name:         name,
		DataCapacity: 64 * 1024,
		ID:           shmptr.BackendId{Major: 1, Minor: 0},
	})
	require.NoError(t, err)
	assert.True(t, created.IsOwner())
	assert.Equal(t, shmptr.BackendId{Major: 1, Minor: 0}, created.ID())
	assert.GreaterOrEqual(t, created.DataCapacity(), uint64(64*1024))

	attached, err := Attach(AttachOptions{Dir: dir, Name: name})
	require.NoError(t, err)
	assert.False(t, attached.IsOwner())
	assert.Equal(t, created.ID(), attached.ID())

	require.NoError(t, attached.Destroy())

	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("expected backing file to survive non-owner destroy: %v", err)
	}

	require.NoError(t, created.Destroy())
	_, err = os.Stat(filepath.Join(dir, name))
	assert.True(t, os.IsNotExist(err))
}

func TestDestroyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(CreateOptions{Dir: dir, Name: "region-b", DataCapacity: 4096})
	require.NoError(t, err)

	require.NoError(t, b.Destroy())
	require.NoError(t, b.Destroy())
}

func TestAttachMissingRegionFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Attach(AttachOptions{Dir: dir, Name: "does-not-exist"})
	assert.ErrorIs(t, err, ErrAttachFailed)
}

func TestCreateRequiresCapacity(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(CreateOptions{Dir: dir, Name: "region-c", DataCapacity: 0})
	assert.ErrorIs(t, err, ErrCreationFailed)
}
