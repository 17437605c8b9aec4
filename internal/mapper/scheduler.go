package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// processor is the per-session processing worker. It watches the frame
// sequence, dispatches chunk windows as they fill, and drives each chunk
// through inference, registration, and emission. A session runs exactly one
// processor goroutine, so at most one chunk is ever in flight.
type processor struct {
	cfg       Config
	sessionID string
	frames    *FrameSequence
	adapter   DepthInferenceAdapter
	registrar *Registrar
	emitter   *Emitter
	scratch   *resultScratch
	store     *Store
	bus       *EventBus

	draining atomic.Bool

	mu        sync.Mutex
	chunks    []Chunk
	world     []SimilarityTransform // chunk-to-world, aligned with chunks
	residuals []float64             // registration residual per chunk (0 for chunk 0)
	processed int                   // End of the last processed chunk
	prev      *InferenceResult
	retries   int
}

func newProcessor(cfg Config, sessionID string, frames *FrameSequence, adapter DepthInferenceAdapter,
	emitter *Emitter, scratch *resultScratch, store *Store, bus *EventBus) *processor {
	return &processor{
		cfg:       cfg,
		sessionID: sessionID,
		frames:    frames,
		adapter:   adapter,
		registrar: NewRegistrar(cfg),
		emitter:   emitter,
		scratch:   scratch,
		store:     store,
		bus:       bus,
	}
}

// Drain tells the processor that capture has stopped: it should work through
// the remaining frames and then return.
func (p *processor) Drain() {
	p.draining.Store(true)
}

// Run polls for dispatchable chunks until the context is cancelled, the
// session drains, or a chunk exhausts its retries. On clean drain it returns
// nil with every captured frame covered by an emitted chunk.
func (p *processor) Run(ctx context.Context) error {
	for {
		ch, ok, done := p.nextChunk()
		if done {
			if err := p.finishLastChunk(ctx); err != nil {
				return err
			}
			opsf("processing drained after %d chunks", len(p.chunks))
			return nil
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		if err := p.processChunk(ctx, ch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.retries++
			opsf("%s failed (attempt %d): %v", ch, p.retries, err)
			p.bus.Publish(Event{
				Type:      EventChunkFailed,
				SessionID: p.sessionID,
				Data:      map[string]any{"chunk": ch.Index, "attempt": p.retries, "error": err.Error()},
			})
			if p.cfg.MaxChunkRetries > 0 && p.retries >= p.cfg.MaxChunkRetries {
				return fmt.Errorf("%s failed %d times: %w", ch, p.retries, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.retries = 0
	}
}

// nextChunk applies the window trigger rule to the current frame count.
// done reports that the session is draining and no frames remain uncovered.
func (p *processor) nextChunk() (ch Chunk, ok, done bool) {
	available := p.frames.Len()
	draining := p.draining.Load()

	p.mu.Lock()
	index := len(p.chunks)
	processed := p.processed
	p.mu.Unlock()

	start, end, ok := nextChunkRange(index, processed, available, p.cfg.ChunkSize, p.cfg.Overlap)
	if ok {
		// During drain the frame count is settled, so a chunk reaching the
		// last frame is the session's final chunk and keeps its tail.
		final := draining && end == available
		return Chunk{Index: index, Start: start, End: end, Final: final, Status: ChunkPending}, true, false
	}
	if !draining {
		return Chunk{}, false, false
	}
	start, end, ok = partialChunkRange(processed, available, p.cfg.Overlap)
	if !ok {
		return Chunk{}, false, true
	}
	if index == 0 {
		// Session too short for even one full window: the partial chunk
		// covers everything from frame zero.
		start = 0
	}
	return Chunk{Index: index, Start: start, End: end, Final: true, Status: ChunkPending}, true, false
}

// finishLastChunk handles a stop point landing exactly on the end of the
// last emitted window. That chunk was dispatched while capture was still
// live, so its tail overlap was trimmed on the assumption a successor would
// cover it; with no successor coming, re-emit it in full as the session's
// final chunk.
func (p *processor) finishLastChunk(ctx context.Context) error {
	p.mu.Lock()
	last := len(p.chunks) - 1
	if last < 0 || p.chunks[last].Final {
		p.mu.Unlock()
		return nil
	}
	ch := p.chunks[last]
	world := p.world[last]
	res := p.prev
	p.mu.Unlock()

	if res == nil {
		var err error
		res, err = p.scratch.Load(ch.Index)
		if err != nil {
			return fmt.Errorf("reloading %s for tail emit: %w", ch, err)
		}
	}
	ch.Final = true
	_, n, err := p.emitter.EmitChunk(ch, res, world)
	if err != nil {
		return fmt.Errorf("re-emitting %s with tail: %w", ch, err)
	}
	if err := p.store.MarkChunkFinal(ctx, p.sessionID, ch.Index, n); err != nil {
		diagf("updating %s record: %v", ch, err)
	}

	p.mu.Lock()
	p.chunks[last] = ch
	p.mu.Unlock()

	p.bus.Publish(Event{
		Type:      EventChunkEmitted,
		SessionID: p.sessionID,
		Data:      map[string]any{"chunk": ch.Index, "points": n, "final": true},
	})
	return nil
}

func (p *processor) processChunk(ctx context.Context, ch Chunk) error {
	diagf("dispatching %s (final=%v)", ch, ch.Final)
	paths := p.frames.Slice(ch.Start, ch.End)
	if paths == nil {
		return fmt.Errorf("%s: frame range unavailable", ch)
	}

	ch.Status = ChunkInferring
	res, err := p.adapter.Infer(ctx, paths, p.cfg.RefViewStrategy)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := res.validate(); err != nil {
		return fmt.Errorf("inference output: %w", err)
	}

	world := IdentityTransform()
	var reg *RegistrationResult
	if ch.Index > 0 {
		reg, err = p.registrar.Register(p.prev, res)
		if errors.Is(err, ErrDegenerateOverlap) {
			if p.cfg.DegeneratePolicy == DegenerateFail {
				return err
			}
			opsf("%s: %v; continuing with identity alignment", ch, err)
		} else if err != nil {
			return fmt.Errorf("registration: %w", err)
		}
		p.mu.Lock()
		world = p.world[ch.Index-1].Compose(reg.Transform)
		p.mu.Unlock()
	}
	ch.Status = ChunkAligned

	if err := p.scratch.Save(ch.Index, res); err != nil {
		return fmt.Errorf("spilling raw result: %w", err)
	}

	path, n, err := p.emitter.EmitChunk(ch, res, world)
	if err != nil {
		return err
	}
	ch.Status = ChunkEmitted

	var residual float64
	if reg != nil {
		residual = reg.Residual
	}
	if err := p.store.RecordChunk(ctx, p.sessionID, ch, reg, world, n, path); err != nil {
		// The map on disk is the source of truth; a bookkeeping failure is
		// not worth re-running inference over.
		diagf("recording %s: %v", ch, err)
	}

	p.mu.Lock()
	p.chunks = append(p.chunks, ch)
	p.world = append(p.world, world)
	p.residuals = append(p.residuals, residual)
	p.processed = ch.End
	p.prev = res
	p.mu.Unlock()

	p.bus.Publish(Event{
		Type:      EventChunkEmitted,
		SessionID: p.sessionID,
		Data:      map[string]any{"chunk": ch.Index, "points": n, "final": ch.Final},
	})
	return nil
}

// Chunks returns a copy of the processed chunk list.
func (p *processor) Chunks() []Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Chunk, len(p.chunks))
	copy(out, p.chunks)
	return out
}

// WorldTransforms returns a copy of the per-chunk chunk-to-world transforms.
func (p *processor) WorldTransforms() []SimilarityTransform {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SimilarityTransform, len(p.world))
	copy(out, p.world)
	return out
}

// Residuals returns the per-chunk registration residuals.
func (p *processor) Residuals() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]float64, len(p.residuals))
	copy(out, p.residuals)
	return out
}

// Remaining estimates how many chunks the frames captured so far still owe.
func (p *processor) Remaining() int {
	available := p.frames.Len()
	p.mu.Lock()
	processed := p.processed
	p.mu.Unlock()
	return remainingChunks(processed, available, p.cfg.ChunkSize, p.cfg.Overlap)
}
