package election

import "fmt"

// State is the controller's position in the leadership state machine.
type State int32

const (
	// StateNotLeader polls for an opportunity to acquire leadership.
	StateNotLeader State = iota
	// StateBecomingLeader holds an acquired lease while local effects are delayed.
	StateBecomingLeader
	// StateLeader actively holds and renews the lease.
	StateLeader
	// StateLosingLeadership delays before giving up the lease.
	StateLosingLeadership
	// StateLeadershipLost releases the external lease.
	StateLeadershipLost
)

func (s State) String() string {
	switch s {
	case StateNotLeader:
		return "NOT_LEADER"
	case StateBecomingLeader:
		return "BECOMING_LEADER"
	case StateLeader:
		return "LEADER"
	case StateLosingLeadership:
		return "LOSING_LEADERSHIP"
	case StateLeadershipLost:
		return "LEADERSHIP_LOST"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
