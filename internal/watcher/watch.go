package watcher

import "context"

// eventBufferSize is the capacity of the merged event channel.
const eventBufferSize = 32

// Watch classifies lines from both streams as they arrive and merges them
// into one channel, which is closed once both inputs are closed.
//
// After ctx is cancelled no further events are sent, but the inputs are still
// drained to EOF so the child never blocks writing to a full pipe.
func (c *Classifier) Watch(ctx context.Context, stdout, stderr <-chan string) <-chan Event {
	out := make(chan Event, eventBufferSize)

	go func() {
		defer close(out)

		sending := true
		emit := func(ev Event) {
			if !sending {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				sending = false
			}
		}

		for stdout != nil || stderr != nil {
			select {
			case line, ok := <-stdout:
				if !ok {
					stdout = nil
					continue
				}
				ev := c.Classify(line)
				ev.Stream = StreamStdout
				emit(ev)
			case line, ok := <-stderr:
				if !ok {
					stderr = nil
					continue
				}
				ev := c.Classify(line)
				ev.Stream = StreamStderr
				emit(ev)
			}
		}
	}()

	return out
}
