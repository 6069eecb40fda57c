package metrics

import "time"

// ServerMetrics provides observability for request dispatching.
//
// Pass nil to disable collection.
type ServerMetrics interface {
	// RecordRequest records a handled request.
	//
	// Parameters:
	//   - kind: request kind name (e.g., "LS", "COPY")
	//   - duration: time spent in the handler
	//   - failed: whether an E line was sent
	RecordRequest(kind string, duration time.Duration, failed bool)

	// RecordMalformed counts request lines that failed to decode.
	RecordMalformed()

	// SetQueueSize updates the current queue length.
	SetQueueSize(n int)

	// SetWorkers updates the number of started workers.
	SetWorkers(n int)

	// SetBusyWorkers updates the number of workers running a handler.
	SetBusyWorkers(n int)

	// RecordCopiedBytes counts bytes copied by copy and move requests.
	RecordCopiedBytes(n int64)
}

// RefreshMetrics provides observability for the refresh engine.
//
// Pass nil to disable collection.
type RefreshMetrics interface {
	// RecordPass records one refresh pass.
	//
	// Parameters:
	//   - trigger: "background", "request" or "watch"
	//   - duration: wall time of the pass
	//   - visited: directories compared
	//   - changed: change notifications sent
	RecordPass(trigger string, duration time.Duration, visited, changed int)

	// RecordCacheFailure counts unusable cache files by reason
	// ("version", "corrupt", "missing").
	RecordCacheFailure(reason string)

	// RecordCoalesced counts refresh requests folded into a running pass.
	RecordCoalesced()

	// SetDirectories updates the number of directory table entries.
	SetDirectories(n int)
}
