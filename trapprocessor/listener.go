package trapprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/traprelay/logging"
	"github.com/geekxflood/traprelay/metrics"
)

// ErrAlreadyStarted is returned by Start unless the listener is stopped.
var ErrAlreadyStarted = errors.New("listener already started")

// State is the lifecycle state of a Listener.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// PacketProcessor handles one datagram. Implementations log their own
// failures; the returned error is informational.
type PacketProcessor interface {
	ProcessPacket(ctx context.Context, packet []byte, addr *net.UDPAddr, receivedAt time.Time) error
}

// Options carry the ambient collaborators of a Listener or WorkerPool.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BufferPool recycles datagram copies between the read loop and the workers.
type BufferPool struct {
	packetBuffers sync.Pool
}

const (
	pooledBufferSize    = 8192
	maxPooledBufferSize = 65535
)

// NewBufferPool creates a pool of 8KB buffers, enough for nearly every trap.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		packetBuffers: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, pooledBufferSize)
				return &buf
			},
		},
	}
}

// Copy returns a pooled buffer holding a copy of packet.
func (bp *BufferPool) Copy(packet []byte) []byte {
	buf := *bp.packetBuffers.Get().(*[]byte)
	if cap(buf) < len(packet) {
		buf = make([]byte, len(packet))
	}
	buf = buf[:len(packet)]
	copy(buf, packet)
	return buf
}

// Put returns buf to the pool.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) > maxPooledBufferSize {
		return
	}
	buf = buf[:0]
	bp.packetBuffers.Put(&buf)
}

// Job is one received datagram waiting for a worker.
type Job struct {
	packet     []byte
	addr       *net.UDPAddr
	receivedAt time.Time
}

// Listener owns the trap socket, the read loop and the worker pool.
type Listener struct {
	config     Config
	processor  PacketProcessor
	bufferPool *BufferPool
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	state      State
	conn       *net.UDPConn
	workerPool *WorkerPool
	started    chan struct{}
	readDone   chan struct{}
	stopped    chan struct{}
}

// NewListener creates a stopped listener.
func NewListener(config Config, processor PacketProcessor, opts Options) (*Listener, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}

	return &Listener{
		config:     config,
		processor:  processor,
		bufferPool: NewBufferPool(),
		logger:     logging.OrComponent(opts.Logger, "receiver"),
		metrics:    opts.Metrics,
	}, nil
}

// State reports the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Addr returns the bound address, or nil when no socket is open.
func (l *Listener) Addr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	addr, _ := l.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Start binds the socket and launches the read loop and workers. ctx bounds
// the bind; workers run with its values but never observe its cancellation.
// A bind failure leaves the listener stopped.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.state = StateStarting
	started := make(chan struct{})
	l.started = started
	l.mu.Unlock()
	defer close(started)

	address := net.JoinHostPort(l.config.GetSNMPBindAddress(), strconv.Itoa(l.config.GetSNMPPort()))
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", address)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("failed to listen on UDP address %s: %w", address, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		l.setState(StateStopped)
		return fmt.Errorf("unexpected packet connection type %T", pc)
	}

	workerPool, err := NewWorkerPool(l.config, l.processor, l.bufferPool, Options{Logger: l.logger, Metrics: l.metrics})
	if err != nil {
		_ = conn.Close()
		l.setState(StateStopped)
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	workerPool.Start(context.WithoutCancel(ctx))

	readDone := make(chan struct{})
	l.mu.Lock()
	l.conn = conn
	l.workerPool = workerPool
	l.readDone = readDone
	l.stopped = make(chan struct{})
	l.state = StateListening
	l.mu.Unlock()

	go l.listen(conn, workerPool, readDone)

	l.logger.InfoContext(ctx, "SNMP trap listener started",
		"address", conn.LocalAddr().String(),
		"workers", l.config.GetWorkerPoolSize(),
		"queue_size", l.config.GetQueueSize())
	return nil
}

// Stop closes the socket, lets the workers drain the queue and waits for
// them. If ctx expires first Stop returns ctx.Err() and the workers keep
// finishing in the background; the state becomes stopped once they are done.
// A Stop during Start waits for Start to return and then stops, in the
// background if ctx expires first. Stopping a stopped listener is a no-op.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateListening:
	case StateStarting:
		started := l.started
		l.mu.Unlock()
		select {
		case <-started:
			return l.Stop(ctx)
		case <-ctx.Done():
			go func() {
				<-started
				_ = l.Stop(context.WithoutCancel(ctx))
			}()
			return ctx.Err()
		}
	case StateStopping:
		stopped := l.stopped
		l.mu.Unlock()
		return waitFor(ctx, stopped)
	default:
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	conn, workerPool, readDone, stopped := l.conn, l.workerPool, l.readDone, l.stopped
	l.mu.Unlock()

	if err := conn.Close(); err != nil {
		l.logger.WarnContext(ctx, "failed to close trap socket", "error", err)
	}

	go func() {
		<-readDone
		workerPool.Close()
		workerPool.Wait()

		l.mu.Lock()
		l.conn = nil
		l.workerPool = nil
		l.state = StateStopped
		l.mu.Unlock()
		close(stopped)

		l.logger.Info("SNMP trap listener stopped")
	}()

	return waitFor(ctx, stopped)
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// listen is the read loop. It exits once the socket is closed.
func (l *Listener) listen(conn *net.UDPConn, workerPool *WorkerPool, done chan<- struct{}) {
	defer close(done)

	buffer := make([]byte, l.config.GetBufferSize())
	for {
		if l.handlePacketReception(conn, workerPool, buffer) {
			return
		}
	}
}

// handlePacketReception runs one read cycle and reports whether the loop
// should exit.
func (l *Listener) handlePacketReception(conn *net.UDPConn, workerPool *WorkerPool, buffer []byte) bool {
	if err := conn.SetReadDeadline(time.Now().Add(l.config.GetReadTimeout())); err != nil {
		if isConnectionClosedError(err) {
			return true
		}
		l.logger.Warn("failed to set read deadline", "error", err)
	}

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		switch {
		case isConnectionClosedError(err):
			return true
		case isTimeoutError(err):
			return false
		default:
			l.logger.Warn("failed to read UDP packet", "error", err)
			return false
		}
	}

	receivedAt := time.Now()
	l.metrics.Received()

	job := Job{
		packet:     l.bufferPool.Copy(buffer[:n]),
		addr:       addr,
		receivedAt: receivedAt,
	}
	if !workerPool.TrySubmit(job) {
		l.bufferPool.Put(job.packet)
		l.metrics.Dropped(metrics.ReasonQueueFull)
		l.logger.Warn("trap queue full, dropping datagram",
			"source", sourceIP(addr),
			"queue_size", l.config.GetQueueSize())
	}
	return false
}

func sourceIP(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.IP.String()
}

func isConnectionClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WorkerPool runs a fixed number of workers over a bounded job queue.
type WorkerPool struct {
	workers    int
	processor  PacketProcessor
	bufferPool *BufferPool
	jobs       chan Job
	logger     *slog.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup
}

// NewWorkerPool sizes the pool and its queue from config. bufferPool may be
// nil when jobs do not carry pooled buffers.
func NewWorkerPool(config Config, processor PacketProcessor, bufferPool *BufferPool, opts Options) (*WorkerPool, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if config.GetWorkerPoolSize() < 1 || config.GetQueueSize() < 1 {
		return nil, fmt.Errorf("invalid worker pool size %d or queue size %d",
			config.GetWorkerPoolSize(), config.GetQueueSize())
	}

	return &WorkerPool{
		workers:    config.GetWorkerPoolSize(),
		processor:  processor,
		bufferPool: bufferPool,
		jobs:       make(chan Job, config.GetQueueSize()),
		logger:     logging.OrComponent(opts.Logger, "worker_pool"),
		metrics:    opts.Metrics,
	}, nil
}

// Start launches the workers. Jobs are processed with ctx.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(logging.WithWorker(ctx, i))
	}
}

// TrySubmit queues job without blocking and reports whether it was accepted.
func (w *WorkerPool) TrySubmit(job Job) bool {
	select {
	case w.jobs <- job:
		w.metrics.SetQueueDepth(len(w.jobs))
		return true
	default:
		return false
	}
}

// Close stops accepting jobs. Queued jobs are still processed. No TrySubmit
// may run concurrently with or after Close.
func (w *WorkerPool) Close() {
	close(w.jobs)
}

// Wait blocks until every worker has exited.
func (w *WorkerPool) Wait() {
	w.wg.Wait()
}

func (w *WorkerPool) worker(ctx context.Context) {
	defer w.wg.Done()

	for job := range w.jobs {
		w.metrics.SetQueueDepth(len(w.jobs))
		w.run(ctx, job)
	}
}

// run processes one job. A panic is logged with its stack and the worker
// carries on with the next job.
func (w *WorkerPool) run(ctx context.Context, job Job) {
	defer func() {
		if w.bufferPool != nil {
			w.bufferPool.Put(job.packet)
		}
		if r := recover(); r != nil {
			w.metrics.Dropped(metrics.ReasonPanic)
			w.logger.ErrorContext(ctx, "recovered from panic while processing trap",
				"source", sourceIP(job.addr),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	_ = w.processor.ProcessPacket(ctx, job.packet, job.addr, job.receivedAt)
}
