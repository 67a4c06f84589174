package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// CaptureSource extends FrameSource with device lifecycle control.
type CaptureSource interface {
	FrameSource

	// Start begins capturing frames from the specified camera device.
	Start(cameraID, device string, fps, width, height int) error

	// Stop halts frame capture for a camera.
	Stop(cameraID string) error
}

// Manager runs one VideoPipeline per active camera over a shared capture
// source and predictor.
type Manager struct {
	source    CaptureSource
	predictor Predictor
	clock     Clock

	mu        sync.RWMutex
	pipelines map[string]*VideoPipeline
	cancels   map[string]context.CancelFunc
}

// NewManager creates a manager. A nil clock selects the system clock.
func NewManager(source CaptureSource, predictor Predictor, clock Clock) *Manager {
	if clock == nil {
		clock = SystemClock
	}
	return &Manager{
		source:    source,
		predictor: predictor,
		clock:     clock,
		pipelines: make(map[string]*VideoPipeline),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// StartCamera begins capture and processing for a camera device.
func (m *Manager) StartCamera(cameraID, device string, fps, width, height int) (*VideoPipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pipelines[cameraID]; exists {
		return nil, fmt.Errorf("pipeline already exists for camera %s", cameraID)
	}

	if err := m.source.Start(cameraID, device, fps, width, height); err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}

	p := NewVideoPipeline(cameraID, m.source, m.predictor, m.clock)
	ctx, cancel := context.WithCancel(context.Background())

	m.pipelines[cameraID] = p
	m.cancels[cameraID] = cancel

	go func() {
		if err := p.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("[Manager] Pipeline for camera %s exited: %v", cameraID, err)
		}
	}()

	log.Printf("[Manager] Started camera %s (device: %s)", cameraID, device)
	return p, nil
}

// StopCamera halts processing and capture for a camera. In-flight
// inference completes; its result is discarded once sinks are gone.
func (m *Manager) StopCamera(cameraID string) error {
	m.mu.Lock()
	p, exists := m.pipelines[cameraID]
	cancel := m.cancels[cameraID]
	if exists {
		delete(m.pipelines, cameraID)
		delete(m.cancels, cameraID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("pipeline not found for camera %s", cameraID)
	}

	p.ClearSinks()
	p.Stop()
	cancel()

	if err := m.source.Stop(cameraID); err != nil {
		return err
	}

	log.Printf("[Manager] Stopped camera %s", cameraID)
	return nil
}

// Get returns the pipeline for a camera.
func (m *Manager) Get(cameraID string) (*VideoPipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[cameraID]
	return p, ok
}

// Cameras returns the IDs of all active cameras.
func (m *Manager) Cameras() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// Close stops all cameras and the predictor.
func (m *Manager) Close() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pipelines))
	for id := range m.pipelines {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopCamera(id); err != nil {
			log.Printf("[Manager] Error stopping camera %s: %v", id, err)
		}
	}

	return m.predictor.Close()
}
