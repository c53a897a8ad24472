package hub

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a subscriber whose outbound queue is full.
type Policy interface {
	OnBackPressure(room *Room, member *Member) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Room, *Member) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames for slow subscribers instead of kicking them.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(*Room, *Member) BackpressureAction {
	return DropFrame
}
