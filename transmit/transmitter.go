// Package transmit implements the Transmitter: the orchestrator that
// dequeues outgoing packets, assigns packet numbers per epoch, admits them
// through a CongestionController, hands bytes to a DatagramSink, and
// reconciles incoming acks against the in-flight log.
package transmit

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/CyberFlameGO/kwik/ack"
	"github.com/CyberFlameGO/kwik/clock"
	"github.com/CyberFlameGO/kwik/congestion"
	"github.com/CyberFlameGO/kwik/epoch"
	"github.com/CyberFlameGO/kwik/metrics"
	"github.com/CyberFlameGO/kwik/packet"
	"github.com/CyberFlameGO/kwik/rtt"
	"github.com/CyberFlameGO/kwik/xerrors"
	"github.com/CyberFlameGO/kwik/xsignal"
	"github.com/CyberFlameGO/kwik/xtask"
)

// State is one of the Transmitter's lifecycle states.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DatagramSink is the external collaborator that actually puts bytes on
// the wire. A non-nil error is treated as connection-fatal.
type DatagramSink interface {
	Send(datagram []byte) error
}

// LossDetection is the external collaborator that arms retransmission
// timers for in-flight records and pushes declared losses back via the
// Transmitter's OnLost method.
type LossDetection interface {
	OnPacketSent(record *packet.InFlightRecord)
}

// AckEncoder serializes an AckFrame the Transmitter has generated on behalf
// of e into the bytes of an outgoing packet numbered num.
type AckEncoder func(e epoch.Epoch, num epoch.Number, frame packet.AckFrame) ([]byte, error)

// Options configures a Transmitter.
type Options struct {
	Sink          DatagramSink
	LossDetection LossDetection // may be nil
	Clock         clock.Source  // defaults to clock.System{}
	EncodeAck     AckEncoder

	RTT         *rtt.Estimator
	Congestion  *congestion.Controller
	AckTrackers *ack.Tracker

	Metrics *metrics.Recorder // may be nil
	Log     *logrus.Entry     // may be nil
}

type epochLog struct {
	mu         sync.Mutex
	nextNumber epoch.Number
	inFlight   map[epoch.Number]*packet.InFlightRecord
}

func newEpochLog() *epochLog {
	return &epochLog{inFlight: make(map[epoch.Number]*packet.InFlightRecord)}
}

// queue is an unbounded FIFO of waiting packets with a wake signal, so the
// main loop's blocking dequeue can be interrupted by a new arrival without
// polling.
type queue struct {
	mu       sync.Mutex
	items    *list.List
	notifier *xsignal.Notifier
}

func newQueue() *queue {
	return &queue{items: list.New(), notifier: xsignal.NewNotifier()}
}

func (q *queue) push(p *packet.Outgoing) {
	q.mu.Lock()
	q.items.PushBack(p)
	q.mu.Unlock()
	q.notifier.Signal()
}

func (q *queue) pop() (*packet.Outgoing, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(*packet.Outgoing), true
}

func (q *queue) drain() []*packet.Outgoing {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*packet.Outgoing, 0, q.items.Len())
	for el := q.items.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*packet.Outgoing))
	}
	q.items.Init()
	return out
}

// Transmitter is the sender-side orchestrator.
type Transmitter struct {
	opts Options
	log  *logrus.Entry

	state atomic.Int32

	normal *queue
	urgent *queue

	epochs [epoch.Count]*epochLog

	group  *errgroup.Group
	cancel context.CancelFunc

	terminal chan error
	once     sync.Once
}

// New creates a Transmitter in the Idle state.
func New(opts Options) *Transmitter {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Transmitter{
		opts:     opts,
		log:      log.WithField("component", "transmit"),
		normal:   newQueue(),
		urgent:   newQueue(),
		terminal: make(chan error, 1),
	}
	for i := range t.epochs {
		t.epochs[i] = newEpochLog()
	}
	t.state.Store(int32(Idle))
	return t
}

// State returns the Transmitter's current lifecycle state.
func (t *Transmitter) State() State {
	return State(t.state.Load())
}

// Start transitions Idle→Running and spawns the main loop under ctx. It
// must be called exactly once.
func (t *Transmitter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state.Store(int32(Running))

	g, ctx := errgroup.WithContext(ctx)
	t.group = g
	g.Go(func() error {
		return t.run(ctx)
	})
}

// Enqueue appends p to the waiting queue: the normal queue if it is
// in-flight-admitted-normally, or the urgent queue if p.Bypass is set.
// Enqueueing after shutdown has begun is rejected at the boundary.
func (t *Transmitter) Enqueue(p *packet.Outgoing) error {
	if t.State() != Running {
		return xerrors.New("enqueue after shutdown").WithPrefix("transmit").AtError()
	}
	if p.Bypass {
		t.urgent.push(p)
	} else {
		t.normal.push(p)
	}
	return nil
}

// SendProbe enqueues p on the urgent path regardless of its InFlight/Bypass
// fields, bypassing CanSend entirely.
func (t *Transmitter) SendProbe(p *packet.Outgoing) error {
	p.InFlight = false
	p.Bypass = true
	return t.Enqueue(p)
}

// PacketReceived records an observation of a received packet for the
// AckTracker.
func (t *Transmitter) PacketReceived(e epoch.Epoch, num epoch.Number, ackEliciting bool, receiveTime time.Time) error {
	return t.opts.AckTrackers.OnPacketReceived(e, num, ackEliciting, receiveTime)
}

// PacketProcessed is the packet-processed hook: if the AckTracker has new
// arrivals to acknowledge, it synthesizes and enqueues a non-in-flight,
// urgent ack-only packet, waking any main-loop wait immediately.
func (t *Transmitter) PacketProcessed(e epoch.Epoch) error {
	if !t.opts.AckTrackers.HasNewAck(e) {
		return nil
	}
	if t.opts.EncodeAck == nil {
		return xerrors.New("no ack encoder configured").WithPrefix("transmit")
	}
	p := &packet.Outgoing{
		Epoch:        e,
		AckEliciting: false,
		InFlight:     false,
		Bypass:       true,
		Encode: func(num epoch.Number) ([]byte, error) {
			frame, ok, err := t.opts.AckTrackers.GenerateAck(e, num, t.opts.Clock.Now())
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return t.opts.EncodeAck(e, num, frame)
		},
	}
	return t.Enqueue(p)
}

// Terminal returns a channel that receives the connection-fatal error, if
// any, exactly once.
func (t *Transmitter) Terminal() <-chan error {
	return t.terminal
}

// Shutdown transitions Running→Stopping→Stopped: it cancels the main
// loop's context, waits for it to exit, and abandons any packets still
// sitting in the waiting queues (they are never dispatched or settled).
func (t *Transmitter) Shutdown(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return nil // already stopping/stopped, or never started
	}
	t.cancel()

	var abandonedNormal, abandonedUrgent []*packet.Outgoing
	err := xtask.Run(ctx,
		func() error {
			abandonedNormal = t.normal.drain()
			abandonedUrgent = t.urgent.drain()
			return nil
		},
		func() error {
			if t.group == nil {
				return nil
			}
			return t.group.Wait()
		},
	)
	t.state.Store(int32(Stopped))
	if len(abandonedNormal)+len(abandonedUrgent) > 0 {
		t.log.WithField("count", len(abandonedNormal)+len(abandonedUrgent)).
			Info("abandoned queued packets on shutdown")
	}
	return err
}

func (t *Transmitter) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		t.drainUrgent()

		// Arm the wake channels before checking the queue: if a push lands
		// between the check and the select below, its Signal() still
		// closes the channel captured here, so the wake is never lost.
		urgentWake := t.urgent.notifier.Wait()
		normalWake := t.normal.notifier.Wait()
		p, ok := t.normal.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-urgentWake:
				continue
			case <-normalWake:
				continue
			}
		}

		if p.InFlight {
			for !t.opts.Congestion.CanSend(p.Size) {
				urgentWake := t.urgent.notifier.Wait()
				ccWake := t.opts.Congestion.WaitForUpdate()
				if t.opts.Congestion.CanSend(p.Size) {
					break
				}
				select {
				case <-ctx.Done():
					return nil
				case <-urgentWake:
					t.drainUrgent()
					continue
				case <-ccWake:
				}
			}
		}

		if err := t.dispatch(p); err != nil {
			t.fail(err)
			return err
		}
	}
}

// drainUrgent dispatches every packet currently sitting in the urgent
// queue without checking CanSend, letting ack-only and probe traffic
// escape a blocked window.
func (t *Transmitter) drainUrgent() {
	for {
		p, ok := t.urgent.pop()
		if !ok {
			return
		}
		if err := t.dispatch(p); err != nil {
			t.fail(err)
			return
		}
	}
}

// dispatch assigns p the next packet number in its epoch, encodes it,
// hands it to the sink, and records it as in-flight. The number is
// assigned only here — once p has already passed admission and is
// actually about to be emitted — so a packet discarded before this point
// never burns a packet number.
func (t *Transmitter) dispatch(p *packet.Outgoing) error {
	el := t.epochs[p.Epoch]
	el.mu.Lock()
	num := el.nextNumber
	el.nextNumber++
	el.mu.Unlock()

	bytes, err := p.Encode(num)
	if err != nil {
		return xerrors.New("encode failed").WithPrefix(p.Epoch).Base(err)
	}
	if bytes == nil {
		// The ack path's Encode returns (nil, nil) when the AckTracker's
		// received set for the epoch is empty by the time the packet is
		// dispatched; nothing to send.
		return nil
	}
	if p.Size == 0 {
		p.Size = uint64(len(bytes))
	}

	sendTime := t.opts.Clock.Now()
	if err := t.opts.Sink.Send(bytes); err != nil {
		return xerrors.New("datagram send failed").WithPrefix(p.Epoch).Base(err)
	}

	rec := packet.NewInFlightRecord(p, num, sendTime)
	el.mu.Lock()
	el.inFlight[num] = rec
	el.mu.Unlock()

	t.opts.Congestion.RegisterInFlight(p.InFlight, p.Size)
	if t.opts.LossDetection != nil {
		t.opts.LossDetection.OnPacketSent(rec)
	}
	t.opts.Metrics.AddPacketSent(p.Epoch)
	return nil
}

// ProcessAck is the ack-processing path; it may be called from any
// goroutine. It feeds the RttEstimator from the largest newly-acked
// record, retires every acked record from the in-flight log exactly once,
// and reports the batch to the CongestionController.
func (t *Transmitter) ProcessAck(e epoch.Epoch, frame packet.AckFrame, receiveTime time.Time) error {
	if !e.Valid() {
		return xerrors.New("unknown epoch", e).WithPrefix("transmit")
	}
	el := t.epochs[e]

	el.mu.Lock()
	defer el.mu.Unlock()

	if rec, ok := el.inFlight[frame.LargestAcked()]; ok && rec.AckEliciting {
		t.opts.RTT.AddSample(receiveTime, rec.SendTime, frame.AckDelay)
	}

	var acked []congestion.AckedPacket
	var count int
	for _, r := range frame.Ranges {
		for n := r.Low; n <= r.High; n++ {
			rec, ok := el.inFlight[n]
			if !ok {
				if n == r.High {
					break // avoid overflow if High == max Number
				}
				continue // unsent or already-retired packet number; a duplicate or stale ack, ignore
			}
			delete(el.inFlight, n)
			rec.Settle(packet.Acked)
			acked = append(acked, congestion.AckedPacket{
				Size:     rec.Size,
				InFlight: rec.InFlight,
				SendTime: rec.SendTime,
			})
			count++
			if err := t.opts.AckTrackers.OnPeerAckOfOurPacket(e, n); err != nil {
				return err
			}
			if n == r.High {
				break // avoid overflow if High == max Number
			}
		}
	}
	t.opts.Congestion.RegisterAcked(t.opts.Clock.Now(), acked)
	t.opts.Metrics.AddPacketsAcked(e, count)
	return nil
}

// OnLost is LossDetection's callback: it retires the named packet numbers
// in e's in-flight log as lost, firing each record's settled callback with
// Lost exactly once, and reports the batch to the CongestionController.
func (t *Transmitter) OnLost(e epoch.Epoch, nums []epoch.Number) error {
	if !e.Valid() {
		return xerrors.New("unknown epoch", e).WithPrefix("transmit")
	}
	el := t.epochs[e]

	el.mu.Lock()
	var lost []congestion.LostPacket
	for _, n := range nums {
		rec, ok := el.inFlight[n]
		if !ok {
			continue
		}
		delete(el.inFlight, n)
		rec.Settle(packet.Lost)
		lost = append(lost, congestion.LostPacket{
			Size:     rec.Size,
			InFlight: rec.InFlight,
			SendTime: rec.SendTime,
		})
	}
	el.mu.Unlock()

	t.opts.Congestion.OnLost(t.opts.Clock.Now(), lost)
	t.opts.Metrics.AddPacketsLost(e, len(lost))
	return nil
}

func (t *Transmitter) fail(err error) {
	xerrors.Log(t.log, err)
	t.once.Do(func() {
		t.terminal <- err
	})
}
