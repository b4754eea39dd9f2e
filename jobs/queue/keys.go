package queue

// QueueKey returns the Redis key of the main FIFO list.
func QueueKey(name string) string {
	return name
}

// ProcessingKey returns the Redis key of the in-flight reservation set.
func ProcessingKey(name string) string {
	return name + ":processing"
}

// DelayedKey returns the Redis key of the delayed sorted set, scored by the
// unix-millisecond time at which each envelope becomes due.
func DelayedKey(name string) string {
	return name + ":delayed"
}

// DeadKey returns the Redis key of the bounded dead-letter list.
func DeadKey(name string) string {
	return name + ":dead"
}

// BatchStatusKey returns the Redis key caching a terminal batch status.
func BatchStatusKey(batchID string) string {
	return "TENDERFLOW_{" + batchID + "}_STATUS"
}

// ProcessRateKey returns the Redis key of the fixed-window rate counter for
// process requests on a batch.
func ProcessRateKey(batchID string) string {
	return "TENDERFLOW_{" + batchID + "}_PROCRATE"
}
