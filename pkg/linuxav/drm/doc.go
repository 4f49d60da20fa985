// Package drm provides pure Go bindings to the Linux Direct Rendering Manager
// kernel mode-setting (KMS) interface.
//
// This package does not use cgo. It covers what an atomic compositor needs:
// resource enumeration, object properties, property blobs, atomic commits,
// PRIME buffer import, framebuffer creation and vblank waits.
//
// # Opening a card
//
//	card, err := drm.Open(0)
//	if err != nil {
//	    return err
//	}
//	defer card.Close()
//
//	// Universal planes and atomic must be enabled before enumerating planes.
//	_ = card.SetClientCap(drm.ClientCapUniversalPlanes, 1)
//	_ = card.SetClientCap(drm.ClientCapAtomic, 1)
//
// # Atomic requests
//
// An AtomicRequest collects (object, property, value) triples and is submitted
// as a single all-or-nothing transaction:
//
//	req := drm.NewAtomicRequest()
//	req.Add(planeID, fbIDProp, fbID)
//	var outFence int32
//	req.AddOutFence(crtcID, outFencePtrProp, &outFence)
//	err := card.AtomicCommit(req, drm.AtomicNonblock)
//
// The ioctl structures mirror the kernel UAPI headers (drm.h, drm_mode.h)
// with explicit padding so their layout is identical on 64-bit targets.
package drm
