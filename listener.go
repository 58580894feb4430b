package libstem

import "slices"

// ListenerFunc receives the decoded arguments of a delivered event.
type ListenerFunc func(args Args)

// Listener is a registered callback. Go functions are not comparable, so the
// *Listener pointer is the identity used by Off: registering the same handle
// twice adds two entries and Off removes them one at a time.
type Listener struct {
	fn ListenerFunc
}

func NewListener(fn ListenerFunc) *Listener {
	return &Listener{fn: fn}
}

func (l *Listener) call(args Args) {
	l.fn(args)
}

// listenerList is the registry entry for one namespaced key.
type listenerList struct {
	listeners []*Listener
	// warned is set once the leak warning has been reported for this key.
	warned bool
}

func (ll *listenerList) add(l *Listener) int {
	ll.listeners = append(ll.listeners, l)
	return len(ll.listeners)
}

// remove drops the first occurrence of l.
func (ll *listenerList) remove(l *Listener) bool {
	i := slices.Index(ll.listeners, l)
	if i < 0 {
		return false
	}
	ll.listeners = slices.Delete(ll.listeners, i, i+1)
	return true
}

func (ll *listenerList) snapshot() []*Listener {
	return slices.Clone(ll.listeners)
}
