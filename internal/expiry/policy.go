// Package expiry holds the expiration and extend-on-read vocabulary shared
// by MemoryStore and DiskStore (spec.md glossary: "Expiration policy",
// "Expiration-extending").
package expiry

import "time"

// PolicyKind discriminates a Policy's shape.
type PolicyKind int

const (
	Never PolicyKind = iota
	Seconds
	Days
	At
	Expired
)

// Policy describes how long a stored value should live, matching
// spec.md's {never, seconds(t), days(d), date(t), expired} glossary entry.
type Policy struct {
	kind PolicyKind
	dur  time.Duration
	at   time.Time
}

func NeverExpire() Policy               { return Policy{kind: Never} }
func ExpireIn(d time.Duration) Policy   { return Policy{kind: Seconds, dur: d} }
func ExpireInDays(days int) Policy      { return Policy{kind: Days, dur: time.Duration(days) * 24 * time.Hour} }
func ExpireAt(t time.Time) Policy       { return Policy{kind: At, at: t} }
func AlreadyExpired() Policy            { return Policy{kind: Expired} }

// IsZero reports whether the caller never set a policy (the zero value
// behaves as "use the store's default", not as NeverExpire).
func (p Policy) IsZero() bool { return p == Policy{} }

// EstimatedExpiration computes the absolute expiration instant relative to
// "from" (normally time.Now() at the moment of storing).
func (p Policy) EstimatedExpiration(from time.Time) time.Time {
	switch p.kind {
	case Never:
		return time.Time{} // zero time = never, checked specially by callers
	case Seconds, Days:
		return from.Add(p.dur)
	case At:
		return p.at
	case Expired:
		return from.Add(-time.Second)
	default:
		return from
	}
}

// AlreadyPast reports whether this policy, if applied "now", would produce
// an expiration in the past — spec.md §4.1 store(): "no-op if supplied
// expiration already past".
func (p Policy) AlreadyPast(now time.Time) bool {
	if p.kind == Expired {
		return true
	}
	if p.kind == At {
		return !p.at.After(now)
	}
	return false
}

// ExtendKind discriminates an Extend strategy's shape.
type ExtendKind int

const (
	ExtendNone ExtendKind = iota
	ExtendCacheTime
	ExtendCustom
)

// Extend describes how a successful read should refresh a TTL, matching
// spec.md's {none, cache-time, expiration(t)} glossary entry.
type Extend struct {
	kind ExtendKind
	ttl  time.Duration
}

func NoExtend() Extend                    { return Extend{kind: ExtendNone} }
func ExtendByCacheTime() Extend           { return Extend{kind: ExtendCacheTime} }
func ExtendByCustomTTL(ttl time.Duration) Extend { return Extend{kind: ExtendCustom, ttl: ttl} }

func (e Extend) Kind() ExtendKind    { return e.kind }
func (e Extend) CustomTTL() time.Duration { return e.ttl }

// NextExpiration computes the refreshed expiration for a successful read,
// given the entry's original stored-at/expires-at and "now".
func (e Extend) NextExpiration(now, storedAt, expiresAt time.Time) time.Time {
	switch e.kind {
	case ExtendNone:
		return expiresAt
	case ExtendCacheTime:
		if storedAt.IsZero() || expiresAt.IsZero() {
			return expiresAt
		}
		original := expiresAt.Sub(storedAt)
		return now.Add(original)
	case ExtendCustom:
		return now.Add(e.ttl)
	default:
		return expiresAt
	}
}
