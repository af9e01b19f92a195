package domain

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Version is the last-modification time of a task in Unix microseconds. The
// value stays below 2^53 so JSON clients that read numbers as doubles keep it
// exact.
type Version int64

var lastVersion int64

// NextVersion returns the current wall-clock time as a Version, bumped past the
// previously issued value so two writes in the same microsecond still order.
func NextVersion() Version {
	return NextVersionAfter(0)
}

// NextVersionAfter is NextVersion with a floor: the result is also greater
// than prev. Writers pass the stored version so a task last written by a host
// whose clock runs ahead still gets an increasing version.
func NextVersionAfter(prev Version) Version {
	for {
		now := time.Now().UnixMicro()
		last := atomic.LoadInt64(&lastVersion)
		if now <= last {
			now = last + 1
		}
		if now <= int64(prev) {
			now = int64(prev) + 1
		}
		if atomic.CompareAndSwapInt64(&lastVersion, last, now) {
			return Version(now)
		}
	}
}

// VersionAt is the version a write at t was given. It inverts Time.
func VersionAt(t time.Time) Version { return Version(t.UnixMicro()) }

// Time converts the version back to the write time.
func (v Version) Time() time.Time { return time.UnixMicro(int64(v)).UTC() }

func (v Version) String() string { return strconv.FormatInt(int64(v), 10) }

// ParseVersion parses the decimal form produced by String.
func ParseVersion(s string) (Version, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Version(n), nil
}
