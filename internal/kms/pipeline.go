package kms

import (
	"fmt"
	"slices"
)

// Pipeline is the binding of one connector to an encoder, a crtc and a
// primary plane. Every bound object is leased from the device registry
// until Close.
type Pipeline struct {
	dev   *Device
	owner string

	Connector *Connector
	Encoder   *Encoder
	Crtc      *Crtc
	Primary   *Plane

	leases      []*Lease
	planeLeases map[uint32]*Lease
}

// BindPipeline finds free objects able to drive conn and leases them to
// owner. Encoders are tried starting with the one already bound, crtcs
// starting with the encoder's current one, then in index order.
func (d *Device) BindPipeline(conn *Connector, owner string) (*Pipeline, error) {
	connLease, err := d.reg.Acquire(conn.ID(), owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoPipeline, conn.Name(), err)
	}

	for _, encID := range conn.Encoders() {
		enc := d.encoder(encID)
		if enc == nil || d.reg.Held(enc.ID()) {
			continue
		}
		for _, crtc := range d.crtcCandidates(enc) {
			primary := d.freePrimary(crtc)
			if primary == nil {
				continue
			}
			p, err := d.lease(owner, enc, crtc, primary)
			if err != nil {
				continue
			}
			p.Connector = conn
			p.leases = append([]*Lease{connLease}, p.leases...)
			d.logger.Info("Bound pipeline",
				"connector", conn.Name(),
				"encoder", enc.ID(),
				"crtc", crtc.ID(),
				"primary", primary.ID())
			return p, nil
		}
	}

	connLease.Release()
	return nil, fmt.Errorf("%w: %s", ErrNoPipeline, conn.Name())
}

func (d *Device) crtcCandidates(enc *Encoder) []*Crtc {
	var out []*Crtc
	if cur := d.Crtc(enc.CurrentCrtc()); cur != nil && enc.CanDrive(cur) && !d.reg.Held(cur.ID()) {
		out = append(out, cur)
	}
	for _, crtc := range d.crtcs {
		if enc.CanDrive(crtc) && !d.reg.Held(crtc.ID()) && !slices.Contains(out, crtc) {
			out = append(out, crtc)
		}
	}
	return out
}

func (d *Device) freePrimary(crtc *Crtc) *Plane {
	for _, p := range d.planes {
		if p.Type() == PlanePrimary && p.CanUseCrtc(crtc) && !d.reg.Held(p.ID()) {
			return p
		}
	}
	return nil
}

func (d *Device) lease(owner string, enc *Encoder, crtc *Crtc, primary *Plane) (*Pipeline, error) {
	p := &Pipeline{
		dev:         d,
		owner:       owner,
		Encoder:     enc,
		Crtc:        crtc,
		Primary:     primary,
		planeLeases: make(map[uint32]*Lease),
	}
	for _, id := range []uint32{enc.ID(), crtc.ID(), primary.ID()} {
		l, err := d.reg.Acquire(id, owner)
		if err != nil {
			p.releaseLeases()
			return nil, err
		}
		p.leases = append(p.leases, l)
	}
	return p, nil
}

// Owner returns the lease holder name.
func (p *Pipeline) Owner() string { return p.owner }

// Device returns the device the pipeline lives on.
func (p *Pipeline) Device() *Device { return p.dev }

// UsablePlanes returns the planes this pipeline may assign layers to:
// the primary plane, then overlays, then cursors, each group in
// enumeration order. Overlay and cursor planes are leased on first use
// and skipped while another pipeline holds them.
func (p *Pipeline) UsablePlanes(overlays, cursors bool) []*Plane {
	pool := []*Plane{p.Primary}
	for _, typ := range []PlaneType{PlaneOverlay, PlaneCursor} {
		if (typ == PlaneOverlay && !overlays) || (typ == PlaneCursor && !cursors) {
			continue
		}
		for _, plane := range p.dev.planes {
			if plane.Type() != typ || !plane.CanUseCrtc(p.Crtc) {
				continue
			}
			if p.leasePlane(plane) {
				pool = append(pool, plane)
			}
		}
	}
	return pool
}

func (p *Pipeline) leasePlane(plane *Plane) bool {
	if _, ok := p.planeLeases[plane.ID()]; ok {
		return true
	}
	l, err := p.dev.reg.Acquire(plane.ID(), p.owner)
	if err != nil {
		return false
	}
	p.planeLeases[plane.ID()] = l
	return true
}

// Planes returns the ids of the planes the pipeline holds, primary first
// and the rest ascending.
func (p *Pipeline) Planes() []uint32 {
	ids := make([]uint32, 0, len(p.planeLeases))
	for id := range p.planeLeases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return append([]uint32{p.Primary.ID()}, ids...)
}

// Close releases every lease the pipeline holds.
func (p *Pipeline) Close() {
	p.releaseLeases()
	p.dev.logger.Info("Released pipeline", "owner", p.owner)
}

func (p *Pipeline) releaseLeases() {
	for _, l := range p.leases {
		l.Release()
	}
	p.leases = nil
	for id, l := range p.planeLeases {
		l.Release()
		delete(p.planeLeases, id)
	}
}
