package ingest

// Drain batches up values from a channel.  It blocks until at least one value is available, so callers looping on it
// cannot spin, and then takes every further value that can be received without blocking, up to maxItems
// (maxItems <= 0 means no limit).  Batch sizes therefore track how bursty the producer is rather than how long each
// value takes to arrive.
//
// ok is false only once input has been closed and fully drained; a batch cut short by the channel closing is still
// returned with ok set, and the following call reports the closure.
func Drain[T any](input <-chan T, maxItems int) (batch []T, ok bool) {
	value, ok := <-input
	if !ok {
		// input channel has closed
		return nil, false
	}
	batch = append(batch, value)

	for maxItems <= 0 || len(batch) < maxItems {
		select {
		case value, ok := <-input:
			if !ok {
				return batch, true
			}
			batch = append(batch, value)
		default:
			return batch, true
		}
	}
	return batch, true
}
