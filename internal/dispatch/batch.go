package dispatch

// MaxTracesPerRequest caps the number of traces in one POST to PathTracesBatch.
const MaxTracesPerRequest = 50

// Record is one buffered item: a canonical event or trace map.
type Record = map[string]any

// eventRequest shapes an event batch. A single event goes bare to the
// single-item endpoint; anything larger is wrapped for the batch endpoint.
func eventRequest(batch []Record) (string, any) {
	if len(batch) == 1 {
		return PathIngest, batch[0]
	}
	return PathIngestBatch, map[string]any{"events": batch}
}

// chunk splits batch into consecutive slices of at most size, preserving order.
func chunk(batch []Record, size int) [][]Record {
	if size <= 0 {
		size = MaxTracesPerRequest
	}
	out := make([][]Record, 0, (len(batch)+size-1)/size)
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		out = append(out, batch[start:end])
	}
	return out
}

func tracesPayload(traces []Record) any {
	return map[string]any{"traces": traces}
}
