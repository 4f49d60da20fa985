package kms

import "errors"

var (
	// ErrAtomicUnsupported is returned by Open when the driver lacks atomic modesetting.
	ErrAtomicUnsupported = errors.New("driver does not support atomic modesetting")

	// ErrNoPipeline is returned when no free encoder, crtc and primary plane
	// combination can drive a connector.
	ErrNoPipeline = errors.New("no usable pipeline for connector")

	// ErrResourceBusy is returned when leasing an object another owner holds.
	ErrResourceBusy = errors.New("resource already leased")

	// ErrPropertyNotFound is returned when an object lacks a property.
	ErrPropertyNotFound = errors.New("property not found")

	// ErrPropertyImmutable is returned when setting an immutable property.
	ErrPropertyImmutable = errors.New("property is immutable")

	// ErrPropertyRange is returned when a value is outside a range property's bounds.
	ErrPropertyRange = errors.New("property value out of range")

	// ErrUnknownEnum is returned for enum names a property does not define.
	ErrUnknownEnum = errors.New("unknown enum value")

	// ErrLayerIncompatible is returned by Plane.ValidateLayer.
	ErrLayerIncompatible = errors.New("layer incompatible with plane")
)
