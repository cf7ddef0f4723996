package audio

// Drain reads from ch until it is closed, discarding every value. Run it in a
// goroutine to release a producer whose output is no longer wanted, such as a
// synthesis stream abandoned by a cancelled reply.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
