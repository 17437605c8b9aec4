// Package mapper implements incremental point-cloud mapping over a live
// frame stream. Frames accumulate in an append-only sequence; a scheduler
// carves them into fixed-size overlapping chunks, runs each chunk through a
// depth-inference adapter, registers it against the previous chunk with a
// similarity (scale + rotation + translation) transform, and emits a
// globally-aligned per-chunk point-cloud artifact. When capture stops the
// scheduler drains remaining frames (including one forced partial final
// chunk), then a finalization pass detects loops and merges all artifacts
// into a single combined map.
//
// Processing layers, leaves first:
//
//	geometry / sim3     back-projection and similarity-transform algebra
//	registrar / scale   chunk-to-chunk alignment (weighted Procrustes)
//	emitter / ply       artifact projection, trimming, persistence
//	scheduler           windowing state machine and drain lifecycle
//	finalize            loop detection, optional correction, merge
//	session             capture + processing worker lifecycle, HTTP status
package mapper
