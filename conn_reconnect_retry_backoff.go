package libstem

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type backoffCalculator func(attempts int) (time time.Duration)

// backoffConnectionHandler keeps a hub connection alive: whenever the inner
// handler closes, a new one is dialed after an exponential backoff and
// EventReconnect is emitted.
type backoffConnectionHandler struct {
	client                Client
	emitter               emitter[EventType, EventType]
	logger                Logger
	inner                 ConnectionHandler
	// innerMu guards inner and closeReason.
	innerMu               sync.RWMutex
	connHandlerFactory    ConnectionHandlerFactory
	calculator            backoffCalculator
	closeC                CloseChan
	closeOnce             sync.Once
	closeReason           error
	send                  chan Message
	recv                  chan Message
	handler               MessageHandler
	connDurationThreshold time.Duration
}

// sleepCtx waits for d unless ctx or closeC finish first.
func (b *backoffConnectionHandler) sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-b.closeC:
		return false
	case <-t.C:
		return true
	}
}

func (b *backoffConnectionHandler) newConnHandler(ctx context.Context) (ConnectionHandler, error) {
	var (
		attempts = 0
		ch       ConnectionHandler
	)

	for {
		attempts++

		ch = b.connHandlerFactory(b.client, b.handler, b.emitter)

		if err := ch.Connect(ctx); err != nil {
			// the hub is unreachable: retry asap instead of backing off
			ttw := time.Second
			if !errors.Is(err, ErrCannotConnect) {
				ttw = b.calculator(attempts)
			}

			b.logger.Infof("cannot connect due to %s, waiting %s", err, ttw)
			if !b.sleepCtx(ctx, ttw) {
				return nil, ErrTerminated
			}
			continue
		}

		return ch, nil
	}
}

func (b *backoffConnectionHandler) current() ConnectionHandler {
	b.innerMu.RLock()
	defer b.innerMu.RUnlock()
	return b.inner
}

func (b *backoffConnectionHandler) run(ctx context.Context) {
	var (
		innerCloseChan = b.current().CloseChan()
		attempts       = 0
		then           = time.Now().UTC()
	)

	defer func() {
		if inner := b.current(); inner != nil {
			inner.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closeC:
			return
		case msg := <-b.recv:
			b.current().Recv(msg)
		case msg := <-b.send:
			// TODO: buffer set frames while reconnecting instead of sending
			// them to a closed connection.
			b.current().Send(msg)
		case <-innerCloseChan:
			inner := b.current()
			inner.Close()
			reason := inner.CloseErr()

			b.innerMu.Lock()
			b.closeReason = reason
			b.innerMu.Unlock()

			if errors.Is(reason, ErrConnectionClosed) ||
				errors.Is(reason, ErrTerminated) {
				// A connection that lived longer than the threshold died of
				// natural causes; reconnect asap.
				if time.Since(then) > b.connDurationThreshold {
					attempts = 0
				} else {
					attempts++
				}
			} else {
				attempts++
			}

			ttw := b.calculator(attempts)
			b.logger.Infof("retrying to connect after %s due to %v", ttw, reason)
			if !b.sleepCtx(ctx, ttw) {
				return
			}

			next, err := b.newConnHandler(ctx)
			if err != nil {
				return
			}

			b.innerMu.Lock()
			b.inner = next
			b.innerMu.Unlock()

			innerCloseChan = next.CloseChan()
			then = time.Now().UTC()

			go b.emitter.Emit(EventReconnect, EventReconnect)
		}
	}
}

// Connect opens the first connection synchronously, retrying until it
// succeeds or ctx is done, then supervises it in the background.
func (b *backoffConnectionHandler) Connect(ctx context.Context) error {
	inner, err := b.newConnHandler(ctx)
	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	b.innerMu.Lock()
	b.inner = inner
	b.innerMu.Unlock()

	go b.run(ctx)

	return nil
}

func (b *backoffConnectionHandler) Recv(m Message) {
	select {
	case b.recv <- m:
	case <-b.closeC:
	}
}

func (b *backoffConnectionHandler) Send(m Message) {
	select {
	case b.send <- m:
	case <-b.closeC:
	}
}

func (b *backoffConnectionHandler) Close() {
	b.closeOnce.Do(func() {
		close(b.closeC)

		if inner := b.current(); inner != nil {
			inner.Close()
		}
	})
}

func (b *backoffConnectionHandler) CloseChan() CloseChan {
	return b.closeC
}

func (b *backoffConnectionHandler) CloseErr() error {
	b.innerMu.RLock()
	defer b.innerMu.RUnlock()
	return b.closeReason
}

func newBackoffConnectionHandler(
	logger Logger,
	client Client,
	emitter emitter[EventType, EventType],
	connHandlerFactory ConnectionHandlerFactory,
	handler MessageHandler,
	calculator backoffCalculator,
	connDurationThreshold time.Duration,
) ConnectionHandler {
	return &backoffConnectionHandler{
		logger: logger.WithField(
			"type", "conn_handler_reconnect_exp_backoff",
		),
		client:                client,
		emitter:               emitter,
		handler:               handler,
		connHandlerFactory:    connHandlerFactory,
		calculator:            calculator,
		connDurationThreshold: connDurationThreshold,
		send:                  make(chan Message, 32),
		recv:                  make(chan Message, 32),
		closeC:                make(CloseChan),
	}
}

func NewBackoffConnectionHandlerFactory(
	logger Logger,
	connHandlerFactory ConnectionHandlerFactory,
	calculator backoffCalculator,
	connDurationThreshold time.Duration,
) ConnectionHandlerFactory {
	return func(client Client, handler MessageHandler, emitter emitter[EventType, EventType]) ConnectionHandler {
		return newBackoffConnectionHandler(
			logger,
			client,
			emitter,
			connHandlerFactory,
			handler,
			calculator,
			connDurationThreshold,
		)
	}
}

func ExponentialBackoff(attempts int) float64 {
	return (math.Pow(2.0, float64(attempts)) - 1) / 2
}

func ExponentialBackoffSeconds(attempts int) time.Duration {
	return time.Duration(ExponentialBackoff(attempts) * float64(time.Second))
}
