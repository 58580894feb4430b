package libstem

import (
	"strings"

	"github.com/tidwall/gjson"
)

// handleMutation turns a storage mutation into listener invocations. It runs
// on the watcher goroutine, one mutation at a time.
func (e *StorageEmitter) handleMutation(m Mutation) {
	if !strings.HasPrefix(m.Key, e.namespace) {
		return
	}

	listeners := e.snapshot(m.Key)
	if len(listeners) == 0 {
		return
	}

	event := strings.TrimPrefix(m.Key, e.namespace)
	logger := e.logger.WithField("event", event)

	raw, err := e.storage.Get(e.ctx, m.Key)
	if err != nil {
		e.metrics.decodeFailed(e.namespace)
		logger.Warnf("skipping notification: %s", &ParseError{Key: m.Key, Err: err})
		return
	}

	if e.isOwnPacket(raw) {
		logger.Debugln("skipping own packet")
		return
	}

	p, err := decodePacket(m.Key, raw)
	if err != nil {
		e.metrics.decodeFailed(e.namespace)
		logger.Warnf("skipping notification: %s", err)
		return
	}

	for _, l := range listeners {
		e.invoke(logger, l, p.Args)
	}
}

func (e *StorageEmitter) snapshot(key string) []*Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()

	list, ok := e.listeners[key]
	if !ok {
		return nil
	}
	return list.snapshot()
}

// isOwnPacket peeks the uid without decoding the arguments.
func (e *StorageEmitter) isOwnPacket(raw string) bool {
	if e.deliverToSelf || e.ownUIDs == nil {
		return false
	}

	uid := gjson.Get(raw, "uid")
	if !uid.Exists() {
		return false
	}
	return e.ownUIDs.Get(uid.String()) != nil
}

// invoke runs one listener; a panic is logged and does not stop the others.
func (e *StorageEmitter) invoke(logger Logger, l *Listener, args Args) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.listenerPanicked(e.namespace)
			logger.Errorf("listener panicked: %v", r)
		}
	}()

	l.call(args)
	e.metrics.delivered(e.namespace)
}
