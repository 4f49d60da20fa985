package kms

import (
	"fmt"
	"sync/atomic"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Blob is a reference-counted kernel property blob. Frame states share
// blobs such as MODE_ID across commits; the kernel object is destroyed with
// the last reference.
type Blob struct {
	drv  Driver
	id   uint32
	refs atomic.Int32
}

// CreateBlob uploads data as a new blob holding one reference.
func (d *Device) CreateBlob(data []byte) (*Blob, error) {
	id, err := d.drv.CreatePropertyBlob(data)
	if err != nil {
		return nil, fmt.Errorf("create property blob: %w", err)
	}
	b := &Blob{drv: d.drv, id: id}
	b.refs.Store(1)
	return b, nil
}

// CreateModeBlob uploads a mode for MODE_ID.
func (d *Device) CreateModeBlob(mode *drm.ModeInfo) (*Blob, error) {
	return d.CreateBlob(mode.Bytes())
}

// ID returns the blob id, 0 for a nil blob.
func (b *Blob) ID() uint32 {
	if b == nil {
		return 0
	}
	return b.id
}

// Acquire adds a reference. A nil blob stays nil.
func (b *Blob) Acquire() *Blob {
	if b == nil {
		return nil
	}
	b.refs.Add(1)
	return b
}

// Release drops a reference, destroying the blob with the last one.
func (b *Blob) Release() error {
	if b == nil {
		return nil
	}
	if b.refs.Add(-1) != 0 {
		return nil
	}
	if err := b.drv.DestroyPropertyBlob(b.id); err != nil {
		return fmt.Errorf("destroy blob %d: %w", b.id, err)
	}
	return nil
}
