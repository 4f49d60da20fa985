package fbimport

import "errors"

var (
	// ErrImport is returned when a dma-buf cannot be turned into a GEM handle.
	ErrImport = errors.New("buffer import failed")

	// ErrModifiersUnsupported is returned for non-linear buffers on a device
	// without ADDFB2 modifier support.
	ErrModifiersUnsupported = errors.New("device does not support framebuffer modifiers")

	// ErrCreateFramebuffer is returned when the kernel rejects ADDFB2.
	ErrCreateFramebuffer = errors.New("framebuffer creation failed")

	// ErrInvalidBuffer is returned for buffer descriptions that cannot describe a framebuffer.
	ErrInvalidBuffer = errors.New("invalid buffer description")
)
