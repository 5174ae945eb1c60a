package election

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// LeaderInfo is an immutable view of a group's lease: who leads, since when,
// for how long, and which members were healthy when it was decoded.
type LeaderInfo struct {
	group         string
	leader        string
	acquireTime   time.Time
	leaseDuration time.Duration
	members       []string
}

// NewLeaderInfo builds a LeaderInfo. An empty leader means no leader is
// recorded. acquireTime is the last time the lease was acquired or renewed.
func NewLeaderInfo(group, leader string, acquireTime time.Time, leaseDuration time.Duration, members []string) LeaderInfo {
	return LeaderInfo{
		group:         group,
		leader:        leader,
		acquireTime:   acquireTime,
		leaseDuration: leaseDuration,
		members:       NormalizeMembers(members),
	}
}

// NormalizeMembers returns a sorted copy of members without duplicates or
// empty identities. The result is never nil.
func NormalizeMembers(members []string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Group returns the election group.
func (i LeaderInfo) Group() string { return i.group }

// Leader returns the recorded leader, or "" when there is none.
func (i LeaderInfo) Leader() string { return i.leader }

// AcquireTime returns when the lease was last acquired or renewed.
func (i LeaderInfo) AcquireTime() time.Time { return i.acquireTime }

// LeaseDuration returns the validity window of the lease.
func (i LeaderInfo) LeaseDuration() time.Duration { return i.leaseDuration }

// ExpiresAt returns the end of the validity window.
func (i LeaderInfo) ExpiresAt() time.Time { return i.acquireTime.Add(i.leaseDuration) }

// Members returns a copy of the membership snapshot.
func (i LeaderInfo) Members() []string { return slices.Clone(i.members) }

// HasMember reports whether id is part of the membership snapshot.
func (i LeaderInfo) HasMember(id string) bool {
	_, found := slices.BinarySearch(i.members, id)
	return found
}

// HasEmptyLeader reports whether no leader is recorded at all.
func (i LeaderInfo) HasEmptyLeader() bool {
	return i.leader == ""
}

// HasValidLeader reports whether a leader is recorded and its lease has not
// expired at now.
func (i LeaderInfo) HasValidLeader(now time.Time) bool {
	if i.HasEmptyLeader() {
		return false
	}
	return now.Before(i.ExpiresAt())
}

// IsValidLeader reports whether id holds a lease that is valid at now.
func (i LeaderInfo) IsValidLeader(id string, now time.Time) bool {
	return i.HasValidLeader(now) && i.leader == id
}

// Equal reports whether two values describe the same lease state.
func (i LeaderInfo) Equal(o LeaderInfo) bool {
	return i.group == o.group &&
		i.leader == o.leader &&
		i.acquireTime.Equal(o.acquireTime) &&
		i.leaseDuration == o.leaseDuration &&
		slices.Equal(i.members, o.members)
}

func (i LeaderInfo) String() string {
	leader := i.leader
	if leader == "" {
		leader = "<none>"
	}
	return fmt.Sprintf("LeaderInfo{group=%s, leader=%s, acquired=%s, lease=%s, members=[%s]}",
		i.group, leader, i.acquireTime.UTC().Format(time.RFC3339Nano), i.leaseDuration, strings.Join(i.members, ","))
}
