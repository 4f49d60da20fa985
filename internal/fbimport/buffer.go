package fbimport

// MaxBufferPlanes is the number of memory planes a framebuffer can carry.
const MaxBufferPlanes = 4

// BufferPlane is one memory plane of an exported buffer.
type BufferPlane struct {
	FD     int // dma-buf descriptor, owned by the caller
	Offset uint32
	Pitch  uint32
}

// Buffer describes an exported dma-buf ready for scan-out import.
type Buffer struct {
	Width    uint32
	Height   uint32
	Format   uint32 // DRM fourcc
	Modifier uint64
	Planes   []BufferPlane
}

// PrimaryFD returns the descriptor of the first memory plane, or -1.
func (b *Buffer) PrimaryFD() int {
	if b == nil || len(b.Planes) == 0 {
		return -1
	}
	return b.Planes[0].FD
}
