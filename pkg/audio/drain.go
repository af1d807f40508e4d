package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is not needed (e.g., a leg's frame channel after the bridge has already
// entered teardown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
