package transformer

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/logger"
	"marketflow/models"
)

// Options tunes a Transformer.
type Options struct {
	// Now stamps the received time of snapshots applied out of band.
	Now func() time.Time
	// Session is copied onto every event.
	Session uint64
}

// snapshotHandler is implemented by book handlers.
type snapshotHandler interface {
	exchange.Handler
	ApplySnapshot(s book.Snapshot, received time.Time) ([]models.MarketData, error)
	State() book.State
}

type stream struct {
	id      models.StreamID
	meta    *models.StreamMeta
	handler exchange.Handler
}

// Transformer demultiplexes the frames of one connection into per-stream
// MarketEvents. It is owned by a single goroutine and performs no I/O.
type Transformer struct {
	connector exchange.Connector
	exchange  string
	streams   map[models.SubscriptionID]*stream
	session   uint64
	now       func() time.Time
	log       *logger.Entry
}

// New builds one stream per registered subscription.
func New(c exchange.Connector, meta models.SubscriptionMeta, opts Options) (*Transformer, error) {
	if len(meta.IDs) == 0 {
		return nil, errors.New("transformer requires at least one subscription")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Transformer{
		connector: c,
		exchange:  c.Server().ID,
		streams:   make(map[models.SubscriptionID]*stream, len(meta.IDs)),
		session:   opts.Session,
		now:       opts.Now,
	}
	t.log = logger.GetLogger().WithComponent("transformer").WithFields(logger.Fields{"exchange": t.exchange})

	for id, sub := range meta.IDs {
		h, err := c.NewHandler(sub)
		if err != nil {
			return nil, fmt.Errorf("handler for %s: %w", sub, err)
		}
		t.streams[id] = &stream{
			id:      models.NewStreamID(t.exchange, id),
			meta:    models.NewStreamMeta(sub),
			handler: h,
		}
	}
	return t, nil
}

// Transform routes one inbound frame and returns the events it produced.
// Acknowledgements and heartbeats produce nothing.
func (t *Transformer) Transform(frame []byte, received time.Time) ([]models.MarketEvent, error) {
	routed, err := t.connector.Route(frame)
	if err != nil {
		return nil, err
	}
	return t.Dispatch(routed, received)
}

// Dispatch feeds an already routed frame to the owning stream.
func (t *Transformer) Dispatch(routed exchange.Routed, received time.Time) ([]models.MarketEvent, error) {
	if routed.Kind != exchange.DataFrame {
		return nil, nil
	}

	s, ok := t.streams[routed.ID]
	if !ok {
		return nil, &models.UnidentifiedMessageError{Exchange: t.exchange, ID: routed.ID}
	}

	data, err := s.handler.Handle(routed.Payload, received)
	if err != nil {
		return nil, t.annotate(s, err)
	}
	return t.emit(s, data), nil
}

// ApplySnapshot installs a snapshot fetched out of band into the book
// stream registered under id.
func (t *Transformer) ApplySnapshot(id models.SubscriptionID, snap book.Snapshot) ([]models.MarketEvent, error) {
	s, ok := t.streams[id]
	if !ok {
		return nil, &models.UnidentifiedMessageError{Exchange: t.exchange, ID: id}
	}
	h, ok := s.handler.(snapshotHandler)
	if !ok {
		return nil, fmt.Errorf("%s: stream %s does not carry a book", t.exchange, s.id)
	}

	data, err := h.ApplySnapshot(snap, t.now())
	if err != nil {
		return nil, t.annotate(s, err)
	}
	t.log.WithFields(logger.Fields{
		"stream":    s.id.String(),
		"update_id": snap.UpdateID,
	}).Debug("snapshot applied")
	return t.emit(s, data), nil
}

// State reports the book state of the stream registered under id.
func (t *Transformer) State(id models.SubscriptionID) (book.State, bool) {
	s, ok := t.streams[id]
	if !ok {
		return book.Uninitialized, false
	}
	h, ok := s.handler.(snapshotHandler)
	if !ok {
		return book.Uninitialized, false
	}
	return h.State(), true
}

// DroppedPending reports the deltas the book stream under id evicted from
// its pending queue so far.
func (t *Transformer) DroppedPending(id models.SubscriptionID) int {
	s, ok := t.streams[id]
	if !ok {
		return 0
	}
	if q, ok := s.handler.(interface{ DroppedPending() int }); ok {
		return q.DroppedPending()
	}
	return 0
}

// BookIDs lists the ids of every book stream, sorted.
func (t *Transformer) BookIDs() []models.SubscriptionID {
	var ids []models.SubscriptionID
	for id, s := range t.streams {
		if _, ok := s.handler.(snapshotHandler); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Subscription returns the subscription registered under id.
func (t *Transformer) Subscription(id models.SubscriptionID) (models.Subscription, bool) {
	s, ok := t.streams[id]
	if !ok {
		return models.Subscription{}, false
	}
	return s.meta.Subscription, true
}

// Stream returns the stream id of the subscription registered under id.
func (t *Transformer) Stream(id models.SubscriptionID) (models.StreamID, bool) {
	s, ok := t.streams[id]
	if !ok {
		return "", false
	}
	return s.id, true
}

func (t *Transformer) emit(s *stream, data []models.MarketData) []models.MarketEvent {
	if len(data) == 0 {
		return nil
	}
	events := make([]models.MarketEvent, 0, len(data))
	for _, d := range data {
		ev := models.NewMarketEvent(s.meta.Next(), s.id, d)
		ev.Session = t.session
		events = append(events, ev)
	}
	return events
}

func (t *Transformer) annotate(s *stream, err error) error {
	var gap *models.SequenceGapError
	if errors.As(err, &gap) {
		gap.Stream = s.id
		gap.Subscription = s.meta.Subscription
		return gap
	}
	return fmt.Errorf("%s: %w", s.id, err)
}
