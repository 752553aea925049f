package backend

import (
	"fmt"

	"github.com/nerrad567/xenbackend/internal/hypervisor"
)

// MapSharedPage maps the single page the frontend advertises in its
// "page-ref" node (a machine frame number).
func (b *Backend) MapSharedPage(devid int) (hypervisor.Region, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return nil, err
	}
	mfn, err := b.readFrontendUint(d, "page-ref", 64)
	if err != nil {
		return nil, err
	}
	r, err := b.ctx.control.MapForeignPage(uint32(b.domid), mfn) // #nosec G115 -- domid fits domid_t
	if err != nil {
		return nil, fmt.Errorf("%w: %s page-ref %d: %w", ErrMapFailed, d.be, mfn, err)
	}
	return r, nil
}

// UnmapSharedPage releases a page returned by MapSharedPage.
func (b *Backend) UnmapSharedPage(r hypervisor.Region) error {
	if r == nil {
		return nil
	}
	return r.Unmap()
}

// MapGrantedRing maps the ring page the frontend granted in its "ring-ref"
// node.
func (b *Backend) MapGrantedRing(devid int) (hypervisor.Region, error) {
	d, err := b.lookup(devid)
	if err != nil {
		return nil, err
	}
	ref, err := b.readFrontendUint(d, "ring-ref", 32)
	if err != nil {
		return nil, err
	}
	r, err := b.ctx.control.MapGrantRef(uint32(b.domid), uint32(ref)) // #nosec G115 -- bounded by ParseUint
	if err != nil {
		return nil, fmt.Errorf("%w: %s ring-ref %d: %w", ErrMapFailed, d.be, ref, err)
	}
	return r, nil
}

// UnmapGrantedRing releases a ring returned by MapGrantedRing.
func (b *Backend) UnmapGrantedRing(r hypervisor.Region) error {
	return b.UnmapSharedPage(r)
}
