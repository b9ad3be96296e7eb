package ingest

import (
	"sync"

	"trip-detector/internal/logger"
	"trip-detector/internal/tracking"
)

// Processor consumes positions for one device at a time.
type Processor interface {
	Process(p tracking.Position) error
	RemoveDevice(deviceID int64)
}

type job struct {
	pos      tracking.Position
	removeID int64
}

// Dispatcher fans positions out to a fixed set of workers keyed by device id.
// A device always lands on the same worker, which keeps its positions in
// arrival order while other devices proceed in parallel.
type Dispatcher struct {
	proc    Processor
	log     *logger.Logger
	workers []chan job
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(proc Processor, workers, buffer int, log *logger.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{
		proc:    proc,
		log:     log.WithTag("dispatch"),
		workers: make([]chan job, workers),
	}
	for i := range d.workers {
		ch := make(chan job, buffer)
		d.workers[i] = ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range ch {
				if j.removeID != 0 {
					d.proc.RemoveDevice(j.removeID)
					continue
				}
				_ = d.proc.Process(j.pos)
			}
		}()
	}
	return d
}

func (d *Dispatcher) worker(deviceID int64) chan job {
	return d.workers[uint64(deviceID)%uint64(len(d.workers))]
}

// Dispatch queues a position. It blocks while the device's worker is full.
func (d *Dispatcher) Dispatch(p tracking.Position) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warnf("dropping position %d for device %d: dispatcher closed", p.ID, p.DeviceID)
		return
	}
	d.worker(p.DeviceID) <- job{pos: p}
}

// Remove queues device removal behind any positions already queued for it.
func (d *Dispatcher) Remove(deviceID int64) {
	if deviceID == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	d.worker(deviceID) <- job{removeID: deviceID}
}

// Close stops accepting work and waits for queued positions to be processed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
