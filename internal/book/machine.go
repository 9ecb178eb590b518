package book

import (
	"github.com/gammazero/deque"

	"marketflow/models"
)

// PendingPolicy decides what a book waiting for a snapshot does with
// deltas, both before the first one and after a gap.
type PendingPolicy int

const (
	// DiscardPending drops deltas until the next snapshot. Used where the
	// exchange pushes a snapshot as the first book frame after subscribing.
	DiscardPending PendingPolicy = iota
	// BufferPending queues deltas, without applying them, and replays them
	// once a snapshot fetched out of band is installed.
	BufferPending
)

func (p PendingPolicy) String() string {
	if p == BufferPending {
		return "buffer"
	}
	return "discard"
}

const DefaultMaxPending = 1000

// Machine is the snapshot/delta state machine shared by every exchange
// family. Family updaters parse their frames and delegate here.
type Machine struct {
	rule       SequenceRule
	policy     PendingPolicy
	maxPending int

	state   State
	bridged bool
	book    *OrderBook
	pending deque.Deque[Delta]
	dropped int
}

func NewMachine(rule SequenceRule, policy PendingPolicy, maxPending int) *Machine {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Machine{
		rule:       rule,
		policy:     policy,
		maxPending: maxPending,
		book:       NewOrderBook(),
	}
}

func (m *Machine) State() State        { return m.state }
func (m *Machine) Book() *OrderBook    { return m.book }
func (m *Machine) Pending() int        { return m.pending.Len() }
func (m *Machine) DroppedPending() int { return m.dropped }

// Desync forces the Desynced state, e.g. after an unreadable update id.
// Queued deltas are dropped since the book can no longer vouch for them.
func (m *Machine) Desync() {
	m.state = Desynced
	m.bridged = false
	m.pending.Clear()
}

// DropPending discards queued deltas. Used when the stream itself pushes a
// snapshot that supersedes them.
func (m *Machine) DropPending() { m.pending.Clear() }

// Snapshot rebuilds the ladder and moves to Initialized. With
// BufferPending, queued deltas are replayed on top of it. A snapshot older
// than the queue leaves the book Desynced with the unreplayed deltas still
// queued, so a later snapshot can bridge them.
func (m *Machine) Snapshot(s Snapshot) (Outcome, error) {
	bids, err := parseLevels(models.Bid, s.Bids)
	if err != nil {
		return Outcome{Kind: Ignored}, err
	}
	asks, err := parseLevels(models.Ask, s.Asks)
	if err != nil {
		return Outcome{Kind: Ignored}, err
	}

	m.book.Reset(levelsOf(bids), levelsOf(asks), s.UpdateID, s.ExchangeTime)
	m.state = Initialized
	m.bridged = false

	out := Outcome{
		Kind:         Changed,
		Snapshot:     true,
		UpdateID:     s.UpdateID,
		ExchangeTime: s.ExchangeTime,
	}

	for m.pending.Len() > 0 {
		d := m.pending.PopFront()
		res, err := m.applyDelta(d)
		if err != nil {
			m.pending.Clear()
			return res, err
		}
		if res.Kind == GapDetected {
			m.pending.PushFront(d)
			return res, nil
		}
		if res.Kind == Changed {
			out.UpdateID = res.UpdateID
			if !res.ExchangeTime.IsZero() {
				out.ExchangeTime = res.ExchangeTime
			}
		}
	}
	return out, nil
}

// Delta applies one incremental update according to the current state.
func (m *Machine) Delta(d Delta) (Outcome, error) {
	if m.state != Initialized {
		m.buffer(d)
		return Outcome{Kind: Ignored}, nil
	}
	out, err := m.applyDelta(d)
	if out.Kind == GapDetected {
		// The delta past the gap may be bridged by the resync snapshot.
		m.buffer(d)
	}
	return out, err
}

func (m *Machine) buffer(d Delta) {
	if m.policy != BufferPending {
		return
	}
	if m.pending.Len() >= m.maxPending {
		m.pending.PopFront()
		m.dropped++
	}
	m.pending.PushBack(d)
}

func (m *Machine) applyDelta(d Delta) (Outcome, error) {
	last := m.book.LastUpdateID()

	switch m.rule.Check(last, m.bridged, d) {
	case Stale:
		return Outcome{Kind: Ignored}, nil
	case Gap:
		m.state = Desynced
		m.bridged = false
		received := d.FirstID
		if d.PrevID != 0 {
			received = d.PrevID
		}
		return Outcome{Kind: GapDetected, LastID: last, ReceivedID: received}, nil
	}

	bids, err := parseLevels(models.Bid, fresh(d.Bids, last))
	if err != nil {
		m.Desync()
		return Outcome{Kind: Ignored}, critical(err)
	}
	asks, err := parseLevels(models.Ask, fresh(d.Asks, last))
	if err != nil {
		m.Desync()
		return Outcome{Kind: Ignored}, critical(err)
	}

	changes := append(bids, asks...)
	for _, c := range changes {
		m.book.Set(c.Side, c.Level)
	}
	m.book.setMeta(d.LastID, d.ExchangeTime)
	m.bridged = true

	if len(changes) == 0 {
		return Outcome{Kind: Ignored, UpdateID: d.LastID}, nil
	}
	return Outcome{
		Kind:         Changed,
		UpdateID:     d.LastID,
		ExchangeTime: m.book.ExchangeTime(),
		Changes:      changes,
	}, nil
}

// fresh drops individually sequenced changes the book already holds.
func fresh(levels []PriceLevel, last uint64) []PriceLevel {
	out := levels[:0:0]
	for _, l := range levels {
		if l.Sequence != 0 && l.Sequence <= last {
			continue
		}
		out = append(out, l)
	}
	return out
}

func levelsOf(changes []models.LevelChange) []models.Level {
	out := make([]models.Level, len(changes))
	for i, c := range changes {
		out[i] = c.Level
	}
	return out
}

func critical(err error) error {
	if mp, ok := err.(*models.MalformedPayloadError); ok {
		mp.Critical = true
	}
	return err
}
