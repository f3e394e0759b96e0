package task

// kickoff is the return address of the synthetic switch frame placed on every
// new kernel stack. It forwards the TCB pointer held in BX to threadKickoff.
func kickoff()

// kickoffUser is the ring 3 entry point. It forwards the TCB pointer held in BX
// to userKickoff.
func kickoffUser()

// kickoffAddr returns the entry address of kickoff.
func kickoffAddr() uintptr

// kickoffUserAddr returns the entry address of kickoffUser.
func kickoffUserAddr() uintptr
