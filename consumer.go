package main

import (
	"fmt"

	"marketflow/internal/channel"
	"marketflow/logger"
	"marketflow/models"
)

type streamPosition struct {
	session uint64
	next    uint64
}

// sequenceTracker watches per-stream Sequence continuity. A jump forward
// means events were evicted from the channel; a new Session means the
// connection reconnected and the stream started over.
type sequenceTracker struct {
	streams map[models.StreamID]streamPosition
	log     *logger.Entry
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{
		streams: make(map[models.StreamID]streamPosition),
		log:     logger.GetLogger().WithComponent("consumer"),
	}
}

// observe records ev and returns how many events of its stream were missed.
func (t *sequenceTracker) observe(ev models.MarketEvent) uint64 {
	pos, seen := t.streams[ev.Stream]
	t.streams[ev.Stream] = streamPosition{session: ev.Session, next: ev.Sequence + 1}

	if seen && pos.session != ev.Session {
		t.log.WithFields(logger.Fields{
			"stream":   ev.Stream.String(),
			"session":  ev.Session,
			"previous": pos.session,
		}).Info("stream sequence restarted")
		pos.next = 0
	}

	switch {
	case ev.Sequence == pos.next:
		return 0
	case ev.Sequence > pos.next:
		missed := ev.Sequence - pos.next
		t.log.WithFields(logger.Fields{
			"stream":   ev.Stream.String(),
			"session":  ev.Session,
			"expected": pos.next,
			"received": ev.Sequence,
			"missed":   missed,
		}).Warn("events missing from stream")
		return missed
	default:
		t.log.WithFields(logger.Fields{
			"stream":   ev.Stream.String(),
			"session":  ev.Session,
			"expected": pos.next,
			"received": ev.Sequence,
		}).Error("stream sequence went backwards")
		return 0
	}
}

func consume(events *channel.Events, tracker *sequenceTracker) {
	for ev := range events.C {
		tracker.observe(ev)
		tracker.log.WithFields(logger.Fields{
			"stream":   ev.Stream.String(),
			"session":  ev.Session,
			"sequence": ev.Sequence,
			"kind":     fmt.Sprintf("%T", ev.Data),
		}).Debug("event")
	}
}
