package mapper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucent-vision/depthmap/internal/fsutil"
)

// SessionState is the lifecycle phase of a mapping session.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateCapturing   SessionState = "capturing"
	StateProcessing  SessionState = "processing" // capture stopped, draining remaining chunks
	StateFinalizing  SessionState = "finalizing"
	StateLoopClosure SessionState = "loop_closure"
	StateFinished    SessionState = "finished"
	StateFailed      SessionState = "failed"
)

// Running reports whether the state is a live, non-terminal phase.
func (s SessionState) Running() bool {
	switch s {
	case StateCapturing, StateProcessing, StateFinalizing, StateLoopClosure:
		return true
	}
	return false
}

// Processing reports whether capture has stopped but the map is still being
// built.
func (s SessionState) Processing() bool {
	switch s {
	case StateProcessing, StateFinalizing, StateLoopClosure:
		return true
	}
	return false
}

var validTransitions = map[SessionState][]SessionState{
	StateCapturing:   {StateProcessing, StateFailed},
	StateProcessing:  {StateFinalizing, StateFailed},
	StateFinalizing:  {StateLoopClosure, StateFinished, StateFailed},
	StateLoopClosure: {StateFinished, StateFailed},
}

// Session is one capture-to-map run. It owns a capture worker feeding the
// frame sequence and a processing worker consuming it; finalization runs
// after both drain.
type Session struct {
	ID        string
	OutputDir string

	cfg     Config
	frames  *FrameSequence
	source  FrameSource
	proc    *processor
	fin     *Finalizer
	store   *Store
	bus     *EventBus
	scratch *resultScratch

	cancelCapture context.CancelFunc
	cancelAll     context.CancelFunc

	mu           sync.Mutex
	state        SessionState
	err          error
	combinedPath string

	done chan struct{}
}

// State returns the session's current lifecycle phase.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause for a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// CombinedCloud returns the merged cloud path once the session finished.
func (s *Session) CombinedCloud() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combinedPath
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(next SessionState) {
	s.mu.Lock()
	prev := s.state
	allowed := false
	for _, t := range validTransitions[prev] {
		if t == next {
			allowed = true
			break
		}
	}
	if !allowed {
		s.mu.Unlock()
		diagf("ignoring state transition %s -> %s", prev, next)
		return
	}
	s.state = next
	s.mu.Unlock()

	opsf("session %s: %s -> %s", s.ID, prev, next)
	if err := s.store.SetSessionState(context.Background(), s.ID, next); err != nil {
		diagf("persisting state %s: %v", next, err)
	}
	s.bus.Publish(Event{
		Type:      EventStateChanged,
		SessionID: s.ID,
		Data:      map[string]any{"from": string(prev), "to": string(next)},
	})
}

// run drives the session to a terminal state. It owns the capture and
// processing goroutines and performs finalization once both drain.
func (s *Session) run(ctx, captureCtx context.Context) {
	defer close(s.done)
	defer s.cancelCapture()

	var captureWG sync.WaitGroup
	captureWG.Add(1)
	go func() {
		defer captureWG.Done()
		if err := s.source.Run(captureCtx, func(path string) {
			n := s.frames.Append(path)
			tracef("frame %d: %s", n-1, filepath.Base(path))
		}); err != nil {
			opsf("frame source ended: %v", err)
		}
	}()

	procErr := s.proc.Run(ctx)
	// The capture source only exits on cancellation; release it before the
	// join so a processing failure cannot wedge the session here.
	s.cancelCapture()
	captureWG.Wait()

	if procErr != nil {
		if errors.Is(procErr, context.Canceled) {
			s.fail(fmt.Errorf("session cancelled"))
		} else {
			s.fail(procErr)
		}
		return
	}

	s.setState(StateFinalizing)
	if s.cfg.LoopEnable && s.fin.detector != nil {
		s.setState(StateLoopClosure)
	}
	combined, err := s.fin.Run(ctx, s.proc.Chunks(), s.proc.WorldTransforms(), s.proc.Residuals())
	if err != nil {
		s.fail(fmt.Errorf("finalize: %w", err))
		return
	}

	s.mu.Lock()
	s.combinedPath = combined
	s.mu.Unlock()
	s.setState(StateFinished)
	if err := s.store.FinishSession(context.Background(), s.ID, StateFinished, ""); err != nil {
		diagf("finishing session record: %v", err)
	}
	s.bus.Publish(Event{
		Type:      EventSessionDone,
		SessionID: s.ID,
		Data:      map[string]any{"combined_cloud": combined, "chunks": len(s.proc.Chunks())},
	})
}

func (s *Session) fail(cause error) {
	s.mu.Lock()
	s.err = cause
	s.mu.Unlock()
	s.setState(StateFailed)
	opsf("session %s failed: %v", s.ID, cause)
	if err := s.store.FinishSession(context.Background(), s.ID, StateFailed, cause.Error()); err != nil {
		diagf("finishing session record: %v", err)
	}
	s.bus.Publish(Event{
		Type:      EventSessionFailed,
		SessionID: s.ID,
		Data:      map[string]any{"error": cause.Error()},
	})
}

// Status is a point-in-time session snapshot for the HTTP surface.
type Status struct {
	State           SessionState `json:"state"`
	Running         bool         `json:"running"`
	Processing      bool         `json:"processing"`
	SessionID       string       `json:"session_id,omitempty"`
	OutputDir       string       `json:"output_dir,omitempty"`
	FrameCount      int          `json:"frame_count"`
	ChunkCount      int          `json:"chunk_count"`
	RemainingChunks int          `json:"remaining_chunks"`
	CombinedCloud   string       `json:"combined_cloud,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Manager serializes session lifecycle operations: one session runs at a
// time, and start/stop/reset require the matching state.
type Manager struct {
	cfg       Config
	dataDir   string
	store     *Store
	bus       *EventBus
	adapter   DepthInferenceAdapter
	detector  LoopDetector
	optimizer Sim3LoopOptimizer

	mu      sync.Mutex
	current *Session
}

// ManagerOptions collects the pluggable pieces of a Manager.
type ManagerOptions struct {
	Config  Config
	DataDir string
	Store   *Store
	Bus     *EventBus
	Adapter DepthInferenceAdapter

	// Detector and Optimizer are optional; without a detector loops are
	// skipped entirely, and without an optimizer detected loops are
	// recorded but not applied.
	Detector  LoopDetector
	Optimizer Sim3LoopOptimizer
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("depth inference adapter is required")
	}
	if err := fsutil.EnsureDir(opts.DataDir); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Manager{
		cfg:       opts.Config,
		dataDir:   opts.DataDir,
		store:     opts.Store,
		bus:       opts.Bus,
		adapter:   opts.Adapter,
		detector:  opts.Detector,
		optimizer: opts.Optimizer,
	}, nil
}

// ErrSessionActive is returned by Start when a session is already running.
var ErrSessionActive = errors.New("a mapping session is already active")

// ErrNoSession is returned by Stop when nothing is capturing.
var ErrNoSession = errors.New("no active mapping session")

// Start begins a new session consuming frames from source.
func (m *Manager) Start(ctx context.Context, source FrameSource) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		switch m.current.State() {
		case StateFinished, StateFailed:
			// terminal; replaceable
		default:
			return nil, ErrSessionActive
		}
	}

	id := uuid.NewString()
	outDir := filepath.Join(m.dataDir, time.Now().Format("20060102_150405")+"_"+id[:8])
	if err := fsutil.EnsureDir(outDir); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	emitter, err := NewEmitter(m.cfg, outDir)
	if err != nil {
		return nil, err
	}
	scratch, err := newResultScratch(outDir)
	if err != nil {
		return nil, err
	}
	if err := m.store.CreateSession(ctx, id, outDir, StateCapturing, m.cfg); err != nil {
		return nil, err
	}

	frames := NewFrameSequence()
	s := &Session{
		ID:        id,
		OutputDir: outDir,
		cfg:       m.cfg,
		frames:    frames,
		source:    source,
		store:     m.store,
		bus:       m.bus,
		scratch:   scratch,
		state:     StateCapturing,
		done:      make(chan struct{}),
	}
	s.proc = newProcessor(m.cfg, id, frames, m.adapter, emitter, scratch, m.store, m.bus)
	s.fin = newFinalizer(m.cfg, id, outDir, emitter, scratch, m.store, m.bus, m.detector, m.optimizer)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelAll = cancel
	// Stop reads cancelCapture without holding the session lock, so it must
	// be in place before the session goroutine (or any caller) can see it.
	captureCtx, cancelCapture := context.WithCancel(runCtx)
	s.cancelCapture = cancelCapture
	go s.run(runCtx, captureCtx)

	m.current = s
	opsf("session %s started, output %s", id, outDir)
	return s, nil
}

// Stop ends capture for the active session. Processing drains the remaining
// frames and finalization proceeds in the background; callers watch status
// or events for completion.
func (m *Manager) Stop() error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil || s.State() != StateCapturing {
		return ErrNoSession
	}
	s.setState(StateProcessing)
	s.cancelCapture()
	s.proc.Drain()
	return nil
}

// Reset abandons the active session, whatever its state, and returns the
// manager to idle. Already-written artifacts stay on disk.
func (m *Manager) Reset() error {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	switch s.State() {
	case StateFinished, StateFailed:
		return nil
	}
	s.cancelAll()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		opsf("session %s did not stop within 5s of reset", s.ID)
	}
	return nil
}

// Current returns the active session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Status reports the manager's view of the active (or last) session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return Status{State: StateIdle}
	}
	state := s.State()
	st := Status{
		State:           state,
		Running:         state.Running(),
		Processing:      state.Processing(),
		SessionID:       s.ID,
		OutputDir:       s.OutputDir,
		FrameCount:      s.frames.Len(),
		ChunkCount:      len(s.proc.Chunks()),
		RemainingChunks: s.proc.Remaining(),
		CombinedCloud:   s.CombinedCloud(),
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}
