package drm

import "unsafe"

type propValue struct {
	prop  uint32
	value uint64
}

// OutFence is a fence pointer property whose target the kernel fills with a
// sync_file descriptor once the commit is accepted.
type OutFence struct {
	ObjectID   uint32
	PropertyID uint32
	Dst        *int32
}

// AtomicRequest accumulates property changes for one atomic commit.
// Setting the same property of the same object twice keeps the last value.
type AtomicRequest struct {
	objects   []uint32
	props     map[uint32][]propValue
	outFences []OutFence
}

// NewAtomicRequest creates an empty request.
func NewAtomicRequest() *AtomicRequest {
	return &AtomicRequest{props: make(map[uint32][]propValue)}
}

// Add sets a property value on an object.
func (r *AtomicRequest) Add(objectID, propertyID uint32, value uint64) {
	list, ok := r.props[objectID]
	if !ok {
		r.objects = append(r.objects, objectID)
	}
	for i := range list {
		if list[i].prop == propertyID {
			list[i].value = value
			return
		}
	}
	r.props[objectID] = append(list, propValue{prop: propertyID, value: value})
}

// AddOutFence sets a fence-pointer property (OUT_FENCE_PTR,
// WRITEBACK_OUT_FENCE_PTR). dst is reset to -1 and stays referenced by the
// request so it remains valid until the commit returns.
func (r *AtomicRequest) AddOutFence(objectID, propertyID uint32, dst *int32) {
	*dst = -1
	r.Add(objectID, propertyID, uint64(uintptr(unsafe.Pointer(dst))))
	r.outFences = append(r.outFences, OutFence{ObjectID: objectID, PropertyID: propertyID, Dst: dst})
}

// OutFences returns the fence pointers attached to the request.
func (r *AtomicRequest) OutFences() []OutFence {
	return r.outFences
}

// Value returns the value queued for a property, if any.
func (r *AtomicRequest) Value(objectID, propertyID uint32) (uint64, bool) {
	for _, pv := range r.props[objectID] {
		if pv.prop == propertyID {
			return pv.value, true
		}
	}
	return 0, false
}

// Len returns the number of queued property changes.
func (r *AtomicRequest) Len() int {
	n := 0
	for _, list := range r.props {
		n += len(list)
	}
	return n
}

// Objects returns the ids of the objects touched by the request in the order
// they were first added.
func (r *AtomicRequest) Objects() []uint32 {
	return r.objects
}

// Each calls fn for every queued change, grouped by object.
func (r *AtomicRequest) Each(fn func(objectID, propertyID uint32, value uint64)) {
	for _, obj := range r.objects {
		for _, pv := range r.props[obj] {
			fn(obj, pv.prop, pv.value)
		}
	}
}

// arrays flattens the request into the four parallel arrays of drm_mode_atomic.
func (r *AtomicRequest) arrays() (objs, counts, props []uint32, values []uint64) {
	objs = make([]uint32, 0, len(r.objects))
	counts = make([]uint32, 0, len(r.objects))
	for _, obj := range r.objects {
		list := r.props[obj]
		objs = append(objs, obj)
		counts = append(counts, uint32(len(list)))
		for _, pv := range list {
			props = append(props, pv.prop)
			values = append(values, pv.value)
		}
	}
	return objs, counts, props, values
}
