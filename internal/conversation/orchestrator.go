package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fulgencio/kiosk/internal/observe"
	"github.com/fulgencio/kiosk/internal/resilience"
	"github.com/fulgencio/kiosk/pkg/transport"
)

const (
	defaultSilenceDuration   = time.Second
	defaultTextResponseDelay = 100 * time.Millisecond
	defaultActivityPoll      = 100 * time.Millisecond
	persistTimeout           = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithStore sets where finished transcripts are written. Without a store
// transcripts are discarded on stop.
func WithStore(s TranscriptStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithDialer overrides how channels are built. Default: [transport.New] with
// the options from [WithTransportOptions].
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.dial = d }
}

// WithTransportOptions passes options to every channel built by the default
// dialer.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *Orchestrator) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithSilenceDuration sets how long the visitor must be quiet before a
// response is requested. Default: 1s.
func WithSilenceDuration(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.silence = d
		}
	}
}

// WithTextResponseDelay sets the pause between injecting typed text and
// requesting a response. Default: 100ms.
func WithTextResponseDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.textDelay = d
		}
	}
}

// WithActivityPoll sets how often playback activity is sampled for display.
// Default: 100ms.
func WithActivityPoll(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithRelayBreaker configures the circuit breaker kept per relay URL.
func WithRelayBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *Orchestrator) { o.breaker = cfg }
}

// WithSessionIDs overrides session identifier generation.
func WithSessionIDs(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// ── Orchestrator ───────────────────────────────────────────────────────────────

// Orchestrator drives one conversation at a time. All methods are safe for
// concurrent use.
//
// Every session gets a generation number. Handlers, capture callbacks and
// timers carry the generation they were created for and do nothing once it
// is stale, so events from a closed session can never leak into the next.
type Orchestrator struct {
	capture       Capturer
	playback      Player
	store         TranscriptStore
	dial          Dialer
	relays        *resilience.FallbackGroup[string]
	breaker       resilience.CircuitBreakerConfig
	transportOpts []transport.Option
	textDelay     time.Duration
	poll          time.Duration
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger
	metrics       *observe.Metrics

	mu                sync.Mutex
	gen               uint64
	state             State
	status            transport.Status
	channel           Channel
	connectCancel     context.CancelFunc
	sessionID         string
	recording         bool
	userSpeaking      bool
	assistantSpeaking bool
	interrupted       bool
	responseID        string
	lastErr           string
	transcript        []Message
	userContext       *UserContext
	silence           time.Duration
	silenceTimer      *time.Timer
	silenceToken      uint64
	subs              map[int]*subscriber
	nextSub           int
	closed            bool

	pollStop  chan struct{}
	pollDone  chan struct{}
	pollKick  chan struct{}
	persistWG sync.WaitGroup
}

// New creates an idle Orchestrator. relayURLs lists the relay endpoints in
// failover order; at least one is required. The activity poller starts
// immediately; call [Orchestrator.Close] to stop it.
func New(relayURLs []string, capturer Capturer, player Player, opts ...Option) (*Orchestrator, error) {
	if len(relayURLs) == 0 {
		return nil, errors.New("conversation: at least one relay URL is required")
	}
	o := &Orchestrator{
		capture:   capturer,
		playback:  player,
		silence:   defaultSilenceDuration,
		textDelay: defaultTextResponseDelay,
		poll:      defaultActivityPoll,
		newID:     newSessionID,
		now:       time.Now,
		subs:      make(map[int]*subscriber),
		pollStop:  make(chan struct{}),
		pollDone:  make(chan struct{}),
		pollKick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.dial == nil {
		o.dial = func(url string, h transport.Handlers, lc transport.Lifecycle) Channel {
			opts := append([]transport.Option{
				transport.WithLogger(o.logger),
				transport.WithMetrics(o.metrics),
			}, o.transportOpts...)
			return transport.New(url, h, lc, opts...)
		}
	}

	relays := make([]resilience.Entry[string], len(relayURLs))
	for i, u := range relayURLs {
		relays[i] = resilience.Entry[string]{Name: relayName(i, u), Value: u}
	}
	o.relays = resilience.NewFallbackGroup(resilience.FallbackConfig{
		CircuitBreaker: o.breaker,
		Logger:         o.logger,
	}, relays...)

	if n, ok := player.(ActivityNotifier); ok {
		n.OnActivityChange(func(bool) {
			select {
			case o.pollKick <- struct{}{}:
			default:
			}
		})
	}
	go o.pollActivity()
	return o, nil
}

// Toggle starts a session when idle and stops it when active. While a session
// is connecting Toggle does nothing.
func (o *Orchestrator) Toggle(ctx context.Context) error {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	switch state {
	case StateIdle:
		return o.Start(ctx)
	case StateActive:
		return o.Stop(ctx)
	default:
		return nil
	}
}

// Start opens a session: it connects to the first healthy relay, which sends
// the handshake, then starts the microphone. If either step fails everything
// started so far is torn down, the error is recorded for display, and the
// orchestrator returns to idle. Start on a session that is already connecting
// or active does nothing.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.gen++
	gen := o.gen
	connectCtx, cancel := context.WithCancel(ctx)
	o.connectCancel = cancel
	o.state = StateConnecting
	o.status = transport.StatusConnecting
	o.lastErr = ""
	o.sessionID = o.newID()
	o.transcript = nil
	o.userContext = nil
	o.responseID = ""
	o.interrupted = false
	sessionID := o.sessionID
	o.notifyLocked()
	o.mu.Unlock()
	defer cancel()

	log := o.logger.With("session_id", sessionID)
	log.Info("starting conversation")

	handlers, lc := o.handlers(gen), o.lifecycle(gen)
	ch, err := resilience.ExecuteWithResult(connectCtx, o.relays, func(ctx context.Context, url string) (Channel, error) {
		ch := o.dial(url, handlers, lc)
		if err := ch.Connect(ctx); err != nil {
			_ = ch.Close()
			return nil, err
		}
		return ch, nil
	})
	if err != nil {
		err = fmt.Errorf("conversation: connect: %w", err)
		if !o.abortStart(gen, err) {
			return ErrAborted
		}
		log.Error("conversation failed to start", "err", err)
		return err
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		_ = ch.Close()
		return ErrAborted
	}
	o.channel = ch
	o.mu.Unlock()

	if err := o.capture.Start(connectCtx, o.onChunk(gen), o.onSpeakingChange(gen)); err != nil {
		_ = ch.Close()
		err = fmt.Errorf("conversation: start capture: %w", err)
		if !o.abortStart(gen, err) {
			return ErrAborted
		}
		log.Error("conversation failed to start", "err", err)
		return err
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		o.capture.Stop()
		return ErrAborted
	}
	o.state = StateActive
	o.recording = true
	o.connectCancel = nil
	o.notifyLocked()
	o.mu.Unlock()

	o.metrics.ActiveSessions.Add(context.Background(), 1)
	log.Info("conversation active")
	return nil
}

// abortStart returns a failed start to idle with err recorded for display.
// It reports false when the session was already torn down.
func (o *Orchestrator) abortStart(gen uint64, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return false
	}
	o.gen++
	o.resetLocked()
	o.lastErr = err.Error()
	o.notifyLocked()
	return true
}

// Stop ends the session: playback stops at once, an in-flight response is
// cancelled, the channel and microphone are released, and the
// transcript, even an empty one, is written to the store in the background under
// users/{session id}/transcriptions/{unix millis}. Persistence failures are
// logged only. Stop on an idle orchestrator does nothing.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.teardown(ctx, true)
	return nil
}

// Close releases every resource without persisting the transcript and stops
// the activity poller. Idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.teardown(context.Background(), false)
	close(o.pollStop)
	<-o.pollDone

	o.mu.Lock()
	for id, s := range o.subs {
		s.stop()
		delete(o.subs, id)
	}
	o.mu.Unlock()

	o.persistWG.Wait()
	return nil
}

func (o *Orchestrator) teardown(ctx context.Context, persist bool) {
	o.mu.Lock()
	if o.state == StateIdle {
		o.mu.Unlock()
		return
	}
	o.gen++
	wasActive := o.state == StateActive
	ch := o.channel
	respID := o.responseID
	sessionID := o.sessionID
	transcript := o.transcript
	if o.connectCancel != nil {
		o.connectCancel()
	}
	o.playback.StopAll()
	o.resetLocked()
	o.notifyLocked()
	o.mu.Unlock()

	if ch != nil {
		if respID != "" && ch.Connected() {
			ch.Send(transport.NewResponseCancel(respID))
		}
		_ = ch.Close()
	}
	o.capture.Stop()

	if wasActive {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	log := o.logger.With("session_id", sessionID)
	switch {
	case !persist:
		log.Info("conversation closed")
	case sessionID == "" || o.store == nil:
		log.Info("conversation stopped", "messages", len(transcript))
	default:
		log.Info("conversation stopped", "messages", len(transcript))
		if transcript == nil {
			transcript = []Message{}
		}
		o.persist(context.WithoutCancel(ctx), sessionID, transcript)
	}
}

// resetLocked returns every session field to its idle default and disarms
// the silence timer. Must be called with o.mu held.
func (o *Orchestrator) resetLocked() {
	o.disarmSilenceLocked()
	o.state = StateIdle
	o.status = transport.StatusDisconnected
	o.channel = nil
	o.connectCancel = nil
	o.sessionID = ""
	o.recording = false
	o.userSpeaking = false
	o.assistantSpeaking = false
	o.interrupted = false
	o.responseID = ""
	o.transcript = nil
	o.userContext = nil
}

func (o *Orchestrator) persist(ctx context.Context, sessionID string, transcript []Message) {
	path := fmt.Sprintf("users/%s/transcriptions/%d", sessionID, o.now().UnixMilli())
	o.persistWG.Add(1)
	go func() {
		defer o.persistWG.Done()
		ctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "conversation.persist")
		defer span.End()
		log := observe.WithTrace(ctx, o.logger)

		start := time.Now()
		err := o.store.Write(ctx, path, transcript)
		o.metrics.PersistDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			log.Warn("transcript not saved", "session_id", sessionID, "path", path, "err", err)
			return
		}
		log.Info("transcript saved", "session_id", sessionID, "path", path, "messages", len(transcript))
	}()
}

// SendText injects typed text as a user turn. The text is trimmed, appended to
// the transcript and sent as a conversation item; a response is requested
// shortly after unless one is already in flight.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	o.mu.Lock()
	ch := o.channel
	if o.state != StateActive || ch == nil || !ch.Connected() {
		o.lastErr = "no active connection; start a conversation first"
		o.notifyLocked()
		o.mu.Unlock()
		return ErrNotConnected
	}
	if text == "" {
		o.mu.Unlock()
		return ErrEmptyText
	}
	gen := o.gen
	o.appendLocked(Message{Role: RoleUser, Content: text, Timestamp: o.now()})
	o.notifyLocked()
	o.mu.Unlock()

	ch.Send(transport.NewUserText(text))
	time.AfterFunc(o.textDelay, func() { o.requestResponse(gen, "text") })
	return nil
}

// requestResponse sends response.create for session gen unless a response is
// in flight or the channel is gone.
func (o *Orchestrator) requestResponse(gen uint64, trigger string) {
	o.mu.Lock()
	ch := o.channel
	ok := o.gen == gen && o.responseID == "" && ch != nil && ch.Connected()
	o.mu.Unlock()
	if !ok {
		return
	}
	ch.Send(transport.NewResponseCreate())
	o.metrics.RecordResponse(context.Background(), trigger)
}

// SetTuning applies new runtime parameters. The silence duration affects
// timers armed afterwards; the threshold applies from the next frame.
func (o *Orchestrator) SetTuning(t Tuning) {
	o.mu.Lock()
	if t.SilenceDuration > 0 {
		o.silence = t.SilenceDuration
	}
	o.mu.Unlock()
	if t.SpeakingThreshold > 0 {
		o.capture.SetThreshold(t.SpeakingThreshold)
	}
}

// ClearError drops the recorded error message.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastErr != "" {
		o.lastErr = ""
		o.notifyLocked()
	}
}

// RelayCheck fails while every relay URL has an open circuit breaker, that
// is while a Start could not even be attempted.
func (o *Orchestrator) RelayCheck(ctx context.Context) error {
	return o.relays.Check(ctx)
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	var uc *UserContext
	if o.userContext != nil {
		c := *o.userContext
		uc = &c
	}
	return Snapshot{
		State:             o.state,
		Status:            o.status,
		Phase:             phaseOf(o.status, o.userSpeaking, o.assistantSpeaking),
		Recording:         o.recording,
		UserSpeaking:      o.userSpeaking,
		AssistantSpeaking: o.assistantSpeaking,
		Error:             o.lastErr,
		SessionID:         o.sessionID,
		Transcript:        o.transcript,
		UserContext:       uc,
	}
}

// ── Transcript ────────────────────────────────────────────────────────────────

// appendLocked publishes a new transcript with m appended. Published slices
// are never written again.
func (o *Orchestrator) appendLocked(m Message) {
	next := make([]Message, len(o.transcript), len(o.transcript)+1)
	copy(next, o.transcript)
	o.transcript = append(next, m)
}

// replaceLastLocked publishes a new transcript whose final entry is m.
func (o *Orchestrator) replaceLastLocked(m Message) {
	next := slices.Clone(o.transcript)
	next[len(next)-1] = m
	o.transcript = next
}

// lastAssistantLocked returns the trailing entry if it is the assistant's.
func (o *Orchestrator) lastAssistantLocked() (Message, bool) {
	if len(o.transcript) == 0 {
		return Message{}, false
	}
	last := o.transcript[len(o.transcript)-1]
	return last, last.Role == RoleAssistant
}

// appendAssistantDeltaLocked extends the trailing assistant entry, or starts
// one.
func (o *Orchestrator) appendAssistantDeltaLocked(delta string) {
	if last, ok := o.lastAssistantLocked(); ok {
		last.Content += delta
		o.replaceLastLocked(last)
		return
	}
	o.appendLocked(Message{Role: RoleAssistant, Content: delta, Timestamp: o.now()})
}

// finishAssistantLocked applies a terminal text. An empty final text keeps
// what streamed so far.
func (o *Orchestrator) finishAssistantLocked(final string) {
	if last, ok := o.lastAssistantLocked(); ok {
		if final != "" {
			last.Content = final
			o.replaceLastLocked(last)
		}
		return
	}
	if final != "" {
		o.appendLocked(Message{Role: RoleAssistant, Content: final, Timestamp: o.now()})
	}
}

// ── Silence timer ─────────────────────────────────────────────────────────────

// armSilenceLocked replaces any pending timer with a fresh one for gen.
func (o *Orchestrator) armSilenceLocked(gen uint64) {
	o.disarmSilenceLocked()
	token := o.silenceToken
	o.silenceTimer = time.AfterFunc(o.silence, func() { o.silenceElapsed(gen, token) })
}

// disarmSilenceLocked stops the pending timer. Bumping the token makes a
// timer that already fired but has not taken the lock a no-op.
func (o *Orchestrator) disarmSilenceLocked() {
	if o.silenceTimer != nil {
		o.silenceTimer.Stop()
		o.silenceTimer = nil
	}
	o.silenceToken++
}

func (o *Orchestrator) silenceElapsed(gen, token uint64) {
	o.mu.Lock()
	if o.gen != gen || o.silenceToken != token {
		o.mu.Unlock()
		return
	}
	o.silenceTimer = nil
	o.mu.Unlock()
	o.requestResponse(gen, "silence")
}

// ── Activity poll ─────────────────────────────────────────────────────────────

// pollActivity samples playback activity for display only; barge-in and
// turn-taking never read the sampled value. A player implementing
// [ActivityNotifier] wakes it early.
func (o *Orchestrator) pollActivity() {
	defer close(o.pollDone)
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
	for {
		select {
		case <-o.pollStop:
			return
		case <-ticker.C:
		case <-o.pollKick:
		}
		o.mu.Lock()
		active := o.state != StateIdle && o.playback.HasActiveAudio()
		if active != o.assistantSpeaking {
			o.assistantSpeaking = active
			o.notifyLocked()
		}
		o.mu.Unlock()
	}
}

// ── Subscriptions ─────────────────────────────────────────────────────────────

// Subscribe registers fn to receive snapshots after every change. Changes
// are coalesced: fn always sees the latest state but may skip intermediate
// ones. fn runs on its own goroutine. The returned function unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) (cancel func()) {
	s := &subscriber{
		fn:     fn,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
		source: o,
	}
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = s
	o.mu.Unlock()

	go s.run()
	s.mark()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
		s.stop()
	}
}

// notifyLocked marks every subscriber dirty. Must be called with o.mu held.
func (o *Orchestrator) notifyLocked() {
	for _, s := range o.subs {
		s.mark()
	}
}

type subscriber struct {
	fn       func(Snapshot)
	dirty    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	source   *Orchestrator
}

func (s *subscriber) mark() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() { s.stopOnce.Do(func() { close(s.done) }) }

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.dirty:
			s.fn(s.source.Snapshot())
		}
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// newSessionID returns user_<unix millis>_<13 random base-16 characters>.
func newSessionID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	return fmt.Sprintf("user_%d_%s", time.Now().UnixMilli(), random)
}

func relayName(i int, url string) string {
	return fmt.Sprintf("relay-%d(%s)", i, url)
}
