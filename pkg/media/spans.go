package media

// Span is one fixed-window slice of a longer recording.
type Span struct {
	Start float64
	Dur   float64
}

// ChunkSpans splits a total duration into windows of chunkSec. The
// final span keeps whatever remains; sub-second leftovers still get a
// span so no tail is dropped. chunkSec <= 0 yields a single span.
func ChunkSpans(totalSec, chunkSec float64) []Span {
	if totalSec <= 0 {
		return nil
	}
	if chunkSec <= 0 || chunkSec >= totalSec {
		return []Span{{Start: 0, Dur: totalSec}}
	}
	var spans []Span
	for start := 0.0; start < totalSec; start += chunkSec {
		dur := chunkSec
		if start+dur > totalSec {
			dur = totalSec - start
		}
		spans = append(spans, Span{Start: start, Dur: dur})
	}
	return spans
}
