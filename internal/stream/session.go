package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marketflow/internal/book"
	"marketflow/internal/exchange"
	"marketflow/internal/metrics"
	"marketflow/internal/transformer"
	"marketflow/logger"
	"marketflow/models"
)

const (
	writeWait   = 10 * time.Second
	frameBuffer = 256
)

type inbound struct {
	data     []byte
	received time.Time
	err      error
}

type snapshotResult struct {
	id   models.SubscriptionID
	snap book.Snapshot
	took time.Duration
	err  error
}

// session is one websocket lifetime. Everything except the reader and the
// snapshot fetches runs on the goroutine that called run, which is the only
// owner of the transformer and the only writer of the socket.
type session struct {
	conn     *Connection
	number   uint64
	exchange string
	log      *logger.Entry

	tr        *transformer.Transformer
	ws        *websocket.Conn
	ready     bool
	acks      int
	forwarded int
	dropped   map[models.SubscriptionID]int

	fetching  map[models.SubscriptionID]bool
	scheduled map[models.SubscriptionID]bool
	resyncs   map[models.SubscriptionID]int
	snapshots chan snapshotResult
	retries   chan models.SubscriptionID
	wg        sync.WaitGroup
}

func newSession(c *Connection, number uint64) *session {
	return &session{
		conn:      c,
		number:    number,
		exchange:  c.Exchange(),
		log:       c.log.WithFields(logger.Fields{"session": number}),
		fetching:  make(map[models.SubscriptionID]bool),
		scheduled: make(map[models.SubscriptionID]bool),
		resyncs:   make(map[models.SubscriptionID]int),
		dropped:   make(map[models.SubscriptionID]int),
		snapshots: make(chan snapshotResult),
		retries:   make(chan models.SubscriptionID),
	}
}

// run dials, subscribes and pumps frames until the socket fails or ctx
// ends. It reports whether every subscription was acknowledged.
func (s *session) run(ctx context.Context) (bool, error) {
	c := s.conn
	tr, err := transformer.New(c.connector, c.meta, transformer.Options{Session: s.number})
	if err != nil {
		return false, err
	}
	s.tr = tr

	url, pingInterval, err := s.endpoint(ctx)
	if err != nil {
		return false, err
	}

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: dial %s: %w", models.ErrTransport, url, err)
	}
	if c.settings.ReadLimit > 0 {
		ws.SetReadLimit(c.settings.ReadLimit)
	}
	s.ws = ws
	s.log.WithFields(logger.Fields{"url": url}).Info("websocket connected")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		ws.Close()
		s.wg.Wait()
		logger.LogDataFlowEntry(s.log, s.exchange, "events_channel", s.forwarded, "market_event")
	}()

	frames := make(chan inbound, frameBuffer)
	s.wg.Add(1)
	go s.read(ctx, frames)

	if err := s.subscribe(ctx); err != nil {
		return false, err
	}

	ackTimer := time.NewTimer(c.settings.AckTimeout)
	defer ackTimer.Stop()
	ackC := ackTimer.C
	if c.meta.ExpectedResponses == 0 {
		if err := s.markReady(ctx); err != nil {
			return s.ready, err
		}
	}

	var pingC <-chan time.Time
	pinger, ok := c.connector.(exchange.Pinger)
	if ok && pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		if s.ready && ackC != nil {
			ackTimer.Stop()
			ackC = nil
		}

		select {
		case <-ctx.Done():
			return s.ready, ctx.Err()

		case in := <-frames:
			if in.err != nil {
				return s.ready, fmt.Errorf("%w: read: %w", models.ErrTransport, in.err)
			}
			if err := s.handleFrame(ctx, in); err != nil {
				return s.ready, err
			}

		case <-ackC:
			return false, fmt.Errorf("%s: %d of %d subscribe responses received within %s",
				s.exchange, s.acks, c.meta.ExpectedResponses, c.settings.AckTimeout)

		case <-pingC:
			if err := s.write(pinger.PingMessage()); err != nil {
				return s.ready, fmt.Errorf("%w: ping: %w", models.ErrTransport, err)
			}

		case res := <-s.snapshots:
			if err := s.applySnapshot(ctx, res); err != nil {
				return s.ready, err
			}

		case id := <-s.retries:
			delete(s.scheduled, id)
			if err := s.resync(ctx, id); err != nil {
				return s.ready, err
			}
		}
	}
}

func (s *session) endpoint(ctx context.Context) (string, time.Duration, error) {
	c := s.conn
	url := c.connector.Server().WebsocketURL
	interval := c.settings.PingInterval

	if r, ok := c.connector.(exchange.EndpointResolver); ok {
		resolved, ping, err := r.ResolveEndpoint(ctx)
		if err != nil {
			metrics.ReportLimitFromError(logger.GetLogger(), s.exchange, "endpoint", err)
			return "", 0, fmt.Errorf("%w: resolve endpoint: %w", models.ErrTransport, err)
		}
		url = resolved
		if ping > 0 {
			interval = ping
		}
	}
	if url == "" {
		return "", 0, fmt.Errorf("%s: no websocket url", s.exchange)
	}
	return url, interval, nil
}

func (s *session) read(ctx context.Context, out chan<- inbound) {
	defer s.wg.Done()
	for {
		_, data, err := s.ws.ReadMessage()
		select {
		case out <- inbound{data: data, received: time.Now(), err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// subscribe sends the registry's requests, paced so large subscription sets
// stay under the exchange's inbound message limit.
func (s *session) subscribe(ctx context.Context) error {
	c := s.conn
	limiter := rate.NewLimiter(rate.Limit(c.settings.SubscribeRate), c.settings.SubscribeBurst)
	for _, msg := range c.meta.Subscriptions {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.write(msg); err != nil {
			return fmt.Errorf("%w: subscribe: %w", models.ErrTransport, err)
		}
	}
	s.log.WithFields(logger.Fields{
		"requests":           len(c.meta.Subscriptions),
		"expected_responses": c.meta.ExpectedResponses,
	}).Debug("subscribe requests sent")
	return nil
}

func (s *session) write(msg models.WsMessage) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, msg)
}

func (s *session) handleFrame(ctx context.Context, in inbound) error {
	c := s.conn
	c.collector.Frame(s.exchange)
	logger.RecordFlow(s.exchange+"_frames", len(in.data))

	routed, err := c.connector.Route(in.data)
	if err != nil {
		return s.report(ctx, "", err)
	}

	switch routed.Kind {
	case exchange.AckFrame:
		return s.ack(ctx, routed)
	case exchange.DataFrame:
		events, err := s.tr.Dispatch(routed, in.received)
		s.checkPending(routed.ID)
		if err != nil {
			return s.report(ctx, routed.ID, err)
		}
		s.settle(routed.ID, events)
		return s.publish(ctx, events)
	default:
		return nil
	}
}

// checkPending emits one drop metric per delta a buffering book evicted
// while waiting for its snapshot.
func (s *session) checkPending(id models.SubscriptionID) {
	n := s.tr.DroppedPending(id)
	prev := s.dropped[id]
	if n <= prev {
		return
	}
	s.dropped[id] = n
	stream, _ := s.tr.Stream(id)
	for i := prev; i < n; i++ {
		metrics.EmitDropMetric(logger.GetLogger(), metrics.DropMetricPendingDeltas, s.exchange, stream.String(), "book")
	}
}

// ack counts subscribe responses. Responses after the session is ready
// come from resubscribes and are ignored.
func (s *session) ack(ctx context.Context, routed exchange.Routed) error {
	if s.ready {
		s.log.Debug("late subscribe response ignored")
		return nil
	}
	if routed.Err != nil {
		return fmt.Errorf("%s: subscribe rejected: %w", s.exchange, routed.Err)
	}
	s.acks++
	if s.acks < s.conn.meta.ExpectedResponses {
		return nil
	}
	return s.markReady(ctx)
}

func (s *session) markReady(ctx context.Context) error {
	s.ready = true
	s.conn.collector.Ready(s.exchange, s.conn.id, true)
	s.log.WithFields(logger.Fields{"responses": s.acks}).Info("subscriptions acknowledged")

	f, ok := s.conn.connector.(exchange.SnapshotFetcher)
	if !ok || !f.SnapshotOnStart() {
		return nil
	}
	for _, id := range s.tr.BookIDs() {
		if err := s.resync(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// report counts and logs a dropped frame. Books that lost continuity are
// resynced.
func (s *session) report(ctx context.Context, id models.SubscriptionID, err error) error {
	c := s.conn
	log := s.log.WithError(err)
	if id != "" {
		log = log.WithFields(logger.Fields{"subscription": string(id)})
	}

	var (
		gap          *models.SequenceGapError
		unidentified *models.UnidentifiedMessageError
		malformed    *models.MalformedPayloadError
	)
	switch {
	case errors.As(err, &gap):
		c.collector.Gap(s.exchange)
		log.WithFields(logger.Fields{
			"stream":      gap.Stream.String(),
			"last_id":     gap.LastID,
			"received_id": gap.ReceivedID,
		}).Warn("sequence gap, resyncing book")
		return s.requestResync(ctx, id)
	case errors.As(err, &unidentified):
		c.collector.Unidentified(s.exchange)
		log.Warn("unidentified message dropped")
	case errors.As(err, &malformed):
		c.collector.Malformed(s.exchange)
		log.Warn("malformed payload dropped")
		if malformed.Critical && id != "" {
			if state, ok := s.tr.State(id); ok && state == book.Desynced {
				return s.requestResync(ctx, id)
			}
		}
	default:
		log.Warn("frame dropped")
	}
	return nil
}

// requestResync resyncs a book at once the first time and then backs off
// exponentially until a live delta applies again.
func (s *session) requestResync(ctx context.Context, id models.SubscriptionID) error {
	if s.fetching[id] || s.scheduled[id] {
		return nil
	}
	n := s.resyncs[id]
	if n == 0 {
		return s.resync(ctx, id)
	}

	delay := resyncDelay(s.conn.settings, n)
	s.scheduled[id] = true
	s.log.WithFields(logger.Fields{
		"subscription": string(id),
		"attempt":      n + 1,
		"delay":        delay.String(),
	}).Info("book resync delayed")
	s.retryLater(ctx, id, delay)
	return nil
}

func resyncDelay(settings Settings, attempts int) time.Duration {
	delay := settings.ReconnectDelay
	for i := 1; i < attempts && delay < settings.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > settings.MaxReconnectDelay {
		delay = settings.MaxReconnectDelay
	}
	return delay
}

// settle forgets a book's resync attempts once a live delta applies.
func (s *session) settle(id models.SubscriptionID, events []models.MarketEvent) {
	if s.resyncs[id] == 0 {
		return
	}
	for _, ev := range events {
		if ob, ok := ev.Data.(models.OrderBook); ok && !ob.Snapshot {
			delete(s.resyncs, id)
			return
		}
	}
}

// resync brings a book back from Desynced or Uninitialized, either with a
// REST snapshot or by subscribing again. Only socket writes fail the
// session.
func (s *session) resync(ctx context.Context, id models.SubscriptionID) error {
	if s.fetching[id] {
		return nil
	}
	sub, ok := s.tr.Subscription(id)
	if !ok {
		return nil
	}
	s.resyncs[id]++

	if f, ok := s.conn.connector.(exchange.SnapshotFetcher); ok {
		s.fetching[id] = true
		s.wg.Add(1)
		go s.fetch(ctx, f, id, sub)
		return nil
	}

	if r, ok := s.conn.connector.(exchange.Resubscriber); ok {
		msgs, err := r.Resubscribe(sub)
		if err != nil {
			s.log.WithError(err).WithFields(logger.Fields{"subscription": string(id)}).Error("cannot build resubscribe requests")
			return nil
		}
		for _, msg := range msgs {
			if err := s.write(msg); err != nil {
				return fmt.Errorf("%w: resubscribe: %w", models.ErrTransport, err)
			}
		}
		s.log.WithFields(logger.Fields{"subscription": string(id)}).Info("resubscribed book")
		return nil
	}

	s.log.WithFields(logger.Fields{"subscription": string(id)}).Error("book cannot be resynced on this exchange")
	return nil
}

func (s *session) fetch(ctx context.Context, f exchange.SnapshotFetcher, id models.SubscriptionID, sub models.Subscription) {
	defer s.wg.Done()

	fetchCtx, cancel := context.WithTimeout(ctx, s.conn.settings.SnapshotTimeout)
	defer cancel()

	start := time.Now()
	snap, err := f.FetchSnapshot(fetchCtx, sub)
	res := snapshotResult{id: id, snap: snap, took: time.Since(start), err: err}

	select {
	case s.snapshots <- res:
	case <-ctx.Done():
	}
}

func (s *session) applySnapshot(ctx context.Context, res snapshotResult) error {
	delete(s.fetching, res.id)
	s.conn.collector.Snapshot(s.exchange, res.took, res.err)
	logger.LogPerformanceEntry(s.log, "stream", "fetch_snapshot", res.took, logger.Fields{
		"subscription": string(res.id),
		"success":      res.err == nil,
	})

	if res.err != nil {
		metrics.ReportLimitFromError(logger.GetLogger(), s.exchange, "snapshot", res.err)
		s.log.WithError(res.err).WithFields(logger.Fields{"subscription": string(res.id)}).Warn("snapshot failed, retrying")
		return s.requestResync(ctx, res.id)
	}

	events, err := s.tr.ApplySnapshot(res.id, res.snap)
	if err != nil {
		return s.report(ctx, res.id, err)
	}
	return s.publish(ctx, events)
}

func (s *session) retryLater(ctx context.Context, id models.SubscriptionID, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case s.retries <- id:
		case <-ctx.Done():
		}
	})
}

func (s *session) publish(ctx context.Context, events []models.MarketEvent) error {
	if len(events) == 0 {
		return nil
	}
	counts := make(map[string]int, 1)
	for _, ev := range events {
		if !s.conn.events.Send(ctx, ev) {
			return ctx.Err()
		}
		s.forwarded++
		counts[kindOf(ev.Data)]++
	}
	for kind, n := range counts {
		s.conn.collector.Events(s.exchange, kind, n)
	}
	return nil
}

func kindOf(d models.MarketData) string {
	switch d.(type) {
	case models.Trade:
		return "trade"
	case models.Candle:
		return "candle"
	case models.Kline:
		return "kline"
	case models.OrderBook:
		return "order_book"
	default:
		return "unknown"
	}
}
