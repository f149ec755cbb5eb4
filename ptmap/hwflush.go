package ptmap

import "sync"

// HWFlushOps is the host-provided flush contract spec.md §6 names as an
// external collaborator: the IOMMU driver glue living outside this
// module's scope. FlushAll is the caller's own responsibility to invoke
// for IOTLB/device-TLB invalidation (this module never calls it itself -
// ordering within one MapRange/UnmapRange call is the caller's problem,
// per spec.md §5); ChangeTop is invoked by dynamic top growth (§4.6 step
// 4) before a newly grown root is published, so a real driver can poke
// whatever HW register makes the device pick it up; TopLock is the
// external top-growth lock a driver may want to coordinate against this
// Engine's own internal growth serialization.
type HWFlushOps interface {
	FlushAll() error
	ChangeTop(newPA uintptr, newLevel int) error
	TopLock() sync.Locker
}

// UseHWFlushOps wires ops' ChangeTop hook into e's top-growth protocol, so
// every dynamic top increase calls through to the host before publishing
// the new root. Passing nil clears any previously wired hook.
func (e *Engine) UseHWFlushOps(ops HWFlushOps) {
	e.flushOps = ops
	if ops == nil {
		e.Top.ChangeTop = nil
		return
	}
	e.Top.ChangeTop = ops.ChangeTop
}
