package message_broaker

import "context"

// MessageBroker carries scheduler events to other processes.
type MessageBroker interface {
	Publish(queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}

const consumeBuffer = 1000

// forward copies decoded messages from in to the returned channel until in
// closes or ctx is done, then calls done.
func forward[M any](ctx context.Context, in <-chan M, decode func(M) []byte, done func()) <-chan []byte {
	out := make(chan []byte, consumeBuffer)
	go func() {
		defer close(out)
		defer done()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- decode(msg):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
