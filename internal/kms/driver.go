// Package kms models one display controller: its connectors, encoders,
// crtcs and planes, their properties, and exclusive ownership of them by
// display pipelines.
package kms

import "github.com/smazurov/hwcomposer/pkg/linuxav/drm"

// Driver is the kernel interface a Device runs on. *drm.Card implements it;
// kmstest.Card is an in-memory stand-in.
type Driver interface {
	SetClientCap(capability, value uint64) error
	Capability(capability uint64) (uint64, error)
	Resources() (*drm.Resources, error)
	Connector(id uint32) (*drm.ConnectorInfo, error)
	Encoder(id uint32) (*drm.EncoderInfo, error)
	Crtc(id uint32) (*drm.CrtcInfo, error)
	PlaneIDs() ([]uint32, error)
	Plane(id uint32) (*drm.PlaneInfo, error)
	ObjectProperties(objectID, objectType uint32) ([]drm.PropertyValue, error)
	Property(id uint32) (*drm.PropertyInfo, error)
	PropertyBlob(id uint32) ([]byte, error)
	CreatePropertyBlob(data []byte) (uint32, error)
	DestroyPropertyBlob(id uint32) error
	SetObjectProperty(objectID, objectType, propertyID uint32, value uint64) error
	AtomicCommit(req *drm.AtomicRequest, flags uint32) error
	PrimeFDToHandle(fd int) (uint32, error)
	CloseHandle(handle uint32) error
	AddFramebuffer(cmd *drm.FramebufferCmd) (uint32, error)
	RemoveFramebuffer(id uint32) error
	WaitVblank(crtcIndex int) (int64, error)
	Close() error
}
