package pmm

// PageState classifies a physical frame. Every frame has exactly one state.
type PageState uint8

const (
	// Free frames can be handed out by the kernel pool.
	Free PageState = iota

	// Allocated frames are owned by a kernel allocation.
	Allocated

	// Reserved frames are never handed out (firmware, kernel image,
	// holes in the memory map).
	Reserved

	// Locked frames are pinned by the kernel and are never handed out.
	Locked

	// FreeUser frames can be handed out by the user pool.
	FreeUser

	// LockedUser frames are pinned user pool frames.
	LockedUser

	// AllocatedUser frames are owned by a user process.
	AllocatedUser

	// ReservedUser frames are user pool frames withheld from allocation.
	ReservedUser
)

var pageStateNames = [...]string{
	"free",
	"allocated",
	"reserved",
	"locked",
	"free (user)",
	"locked (user)",
	"allocated (user)",
	"reserved (user)",
}

// String implements fmt.Stringer for PageState.
func (s PageState) String() string {
	if int(s) >= len(pageStateNames) {
		return "invalid"
	}
	return pageStateNames[s]
}

// IsUser returns true for the user pool states.
func (s PageState) IsUser() bool {
	return s >= FreeUser && s <= ReservedUser
}
