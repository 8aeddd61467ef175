package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/voiq/sam/internal/audio"
	"github.com/voiq/sam/internal/fault"
	"github.com/voiq/sam/internal/history"
	"github.com/voiq/sam/internal/intent"
	"github.com/voiq/sam/internal/observability"
	"github.com/voiq/sam/internal/protocol"
)

const (
	defaultDispatchTimeout = 10 * time.Second
	defaultPauseInterval   = time.Second
	historyWriteTimeout    = time.Second
	criticalSendTimeout    = 600 * time.Millisecond
	historyQueueSize       = 32
	// Audio held while the speech engine connection is being opened.
	maxPendingAudio        = 256
)

type ControllerConfig struct {
	SessionID         string
	Lang              string
	RecognitionLocale string
	AudioAvailable    bool
	DispatchTimeout   time.Duration
	PauseDetection    bool
	PauseInterval     time.Duration
	PauseThreshold    float64
	PauseTicks        int
	Voice             TTSSettings
}

// TurnTracker mirrors the active turn onto the device session.
type TurnTracker interface {
	StartTurn(sessionID, turnID string) error
	EndTurn(sessionID, turnID string, cancelled bool) error
}

type ControllerDeps struct {
	STT        STTProvider
	TTS        TTSProvider
	Dispatcher intent.Dispatcher
	Outbound   chan<- any
	Turns      TurnTracker
	History    history.Store
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type (
	tapEvent          struct{}
	stopEvent         struct{}
	cancelEvent       struct{}
	availabilityEvent struct{ available bool }
	audioEvent        struct {
		pcm        []byte
		sampleRate int
	}
	transcriptEvent struct{ Transcript }
	dispatchEvent   struct {
		turnID string
		result intent.Result
		err    error
	}
	playbackEvent      struct{ PlaybackEvent }
	recognitionStarted struct {
		turnID  string
		results <-chan Transcript
		err     error
	}
)

// Controller runs the turn state machine for one device session. All state lives
// on the Run goroutine; every input, including provider callbacks, arrives as an
// event on a single channel.
type Controller struct {
	cfg    ControllerConfig
	deps   ControllerDeps
	logger *slog.Logger

	events  chan any
	stopped chan struct{}
	records chan history.TurnRecord
	snap    atomic.Pointer[Snapshot]

	transcriber *Transcriber
	playback    *Playback
	pause       *PauseDetector

	// Loop-owned.
	state          State
	audioAvailable bool
	turn           *Turn
	window         audio.PowerWindow
	lastPower      float64
	cancelDispatch context.CancelFunc
	starting       bool
	stopRequested  bool
	pendingAudio   []audioEvent
}

func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.PauseInterval <= 0 {
		cfg.PauseInterval = defaultPauseInterval
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = intent.NewMockDispatcher()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", cfg.SessionID)

	c := &Controller{
		cfg:            cfg,
		deps:           deps,
		logger:         logger,
		events:         make(chan any, 256),
		stopped:        make(chan struct{}),
		records:        make(chan history.TurnRecord, historyQueueSize),
		pause:          NewPauseDetector(cfg.PauseThreshold, cfg.PauseTicks),
		state:          StateIdle,
		audioAvailable: cfg.AudioAvailable,
		window:         audio.NewPowerWindow(),
	}
	c.transcriber = NewTranscriber(deps.STT, cfg.RecognitionLocale, logger)
	c.playback = NewPlayback(deps.TTS, cfg.Voice, func(e PlaybackEvent) { c.post(playbackEvent{e}) }, logger)
	c.publish()
	return c
}

func (c *Controller) TapMic()                      { c.post(tapEvent{}) }
func (c *Controller) StopSpeaking()                { c.post(stopEvent{}) }
func (c *Controller) Cancel()                      { c.post(cancelEvent{}) }
func (c *Controller) SetAudioAvailable(ok bool)    { c.post(availabilityEvent{available: ok}) }
func (c *Controller) PushAudio(pcm []byte, hz int) { c.post(audioEvent{pcm: pcm, sampleRate: hz}) }

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

func (c *Controller) post(evt any) bool {
	select {
	case c.events <- evt:
		return true
	case <-c.stopped:
		return false
	}
}

// Run processes events until ctx is done. Any live turn is cancelled on exit.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.stopped)

	written := make(chan struct{})
	go c.writeHistory(written)
	defer func() {
		close(c.records)
		<-written
	}()

	var tick <-chan time.Time
	if c.cfg.PauseDetection {
		ticker := time.NewTicker(c.cfg.PauseInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	c.announce(c.state)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-tick:
			c.onPauseTick(ctx)
		case evt := <-c.events:
			c.handle(ctx, evt)
		}
	}
}

func (c *Controller) handle(ctx context.Context, evt any) {
	switch e := evt.(type) {
	case tapEvent:
		c.onTap(ctx)
	case stopEvent:
		c.onStop(ctx)
	case cancelEvent:
		c.onCancel()
	case availabilityEvent:
		c.onAvailability(e.available)
	case audioEvent:
		c.onAudio(ctx, e)
	case transcriptEvent:
		c.onTranscript(ctx, e.Transcript)
	case dispatchEvent:
		c.onDispatch(ctx, e)
	case playbackEvent:
		c.onPlayback(e.PlaybackEvent)
	case recognitionStarted:
		c.onRecognitionStarted(ctx, e)
	}
}

func (c *Controller) onTap(ctx context.Context) {
	switch c.state {
	case StateIdle:
		if !c.audioAvailable {
			c.sendError("", fault.New(fault.AudioUnavailable, "audio", "speech recognition is not available"))
			return
		}
		c.beginTurn()
	case StateListening, StateRecognizing:
		// A tap while capturing toggles the mic off; it never queues a second turn.
		c.transcriber.Cancel()
		c.finishTurn(OutcomeCancelled, nil)
	default:
		c.systemEvent("mic_disabled", string(c.state))
	}
}

func (c *Controller) beginTurn() {
	now := time.Now()
	c.turn = &Turn{ID: uuid.NewString(), StartedAt: now}
	c.window = audio.NewPowerWindow()
	c.lastPower = 0
	c.resetRecognitionStart()
	c.pause.Reset()
	if c.deps.Turns != nil {
		if err := c.deps.Turns.StartTurn(c.cfg.SessionID, c.turn.ID); err != nil {
			c.logger.Warn("track turn start failed", "turn_id", c.turn.ID, "error", err)
		}
	}
	c.transition(StateListening)
	c.systemEvent("listening", "")
}

func (c *Controller) onAudio(ctx context.Context, e audioEvent) {
	if !c.state.capturing() || c.turn == nil {
		return
	}

	sample := audio.SampleFromPCM16(e.pcm)
	power := audio.Process(&sample, &c.window)
	c.lastPower = power
	c.send(protocol.AudioLevel{
		Type:      protocol.TypeAudioLevel,
		SessionID: c.cfg.SessionID,
		TurnID:    c.turn.ID,
		Power:     power,
		Decibels:  sample.Decibels,
	})

	if c.state == StateListening {
		if len(c.pendingAudio) < maxPendingAudio {
			c.pendingAudio = append(c.pendingAudio, e)
		}
		if !c.starting {
			c.startRecognition(ctx)
		}
		return
	}
	if err := c.transcriber.Append(ctx, e.pcm, e.sampleRate); err != nil && !errors.Is(err, ErrNoRecognition) {
		c.failTurn(OutcomeRecognitionFailed, err)
	}
}

// startRecognition opens the transcription for the current turn on its first audio.
// The speech engine is dialed off the loop; the result comes back as recognitionStarted.
func (c *Controller) startRecognition(ctx context.Context) {
	c.starting = true
	turnID := c.turn.ID
	r := c.transcriber.begin(ctx, turnID)
	go func() {
		results, err := c.transcriber.open(r)
		c.post(recognitionStarted{turnID: turnID, results: results, err: err})
	}()
}

func (c *Controller) onRecognitionStarted(ctx context.Context, e recognitionStarted) {
	if c.turn == nil || e.turnID != c.turn.ID || c.state != StateListening || !c.starting {
		// The turn ended while the engine was connecting; finishTurn already cancelled it.
		c.logger.Debug("dropping late recognition start", "turn_id", e.turnID)
		return
	}
	pending, stop := c.pendingAudio, c.stopRequested
	c.resetRecognitionStart()
	if e.err != nil {
		c.failTurn(OutcomeRecognitionFailed, e.err)
		return
	}

	turnID := c.turn.ID
	go func() {
		for tr := range e.results {
			if !c.post(transcriptEvent{tr}) {
				return
			}
		}
	}()
	for _, a := range pending {
		if err := c.transcriber.Append(ctx, a.pcm, a.sampleRate); err != nil && !errors.Is(err, ErrNoRecognition) {
			c.failTurn(OutcomeRecognitionFailed, err)
			return
		}
	}
	if c.turn == nil || c.turn.ID != turnID {
		return
	}
	c.transition(StateRecognizing)
	if stop {
		c.onStop(ctx)
	}
}

func (c *Controller) resetRecognitionStart() {
	c.starting = false
	c.stopRequested = false
	c.pendingAudio = nil
}

func (c *Controller) onStop(ctx context.Context) {
	switch c.state {
	case StateListening:
		if c.starting {
			c.stopRequested = true
			return
		}
		c.finishTurn(OutcomeNoSpeech, nil)
	case StateRecognizing:
		if err := c.transcriber.Stop(ctx); err != nil {
			c.failTurn(OutcomeRecognitionFailed, err)
		}
	}
}

func (c *Controller) onPauseTick(ctx context.Context) {
	if !c.state.capturing() {
		return
	}
	if c.pause.Tick(c.lastPower) {
		c.systemEvent("pause_detected", "")
		c.onStop(ctx)
	}
}

func (c *Controller) onTranscript(ctx context.Context, tr Transcript) {
	if c.turn == nil || tr.TurnID != c.turn.ID || c.state != StateRecognizing {
		c.logger.Debug("dropping late transcript", "turn_id", tr.TurnID)
		return
	}
	if tr.Err != nil {
		c.failTurn(OutcomeRecognitionFailed, tr.Err)
		return
	}

	now := time.Now()
	c.send(protocol.Transcript{
		Type:      protocol.TypeTranscript,
		SessionID: c.cfg.SessionID,
		TurnID:    c.turn.ID,
		Text:      tr.Text,
		IsFinal:   tr.IsFinal,
		TSMs:      now.UnixMilli(),
	})

	if !tr.IsFinal {
		if c.turn.firstPartialAt.IsZero() {
			c.turn.firstPartialAt = now
			c.deps.Metrics.ObserveStage(observability.StageTapToFirstPartial, now.Sub(c.turn.StartedAt))
		}
		c.turn.Partial = tr.Text
		return
	}

	c.turn.Transcript = tr.Text
	c.turn.IsFinal = true
	c.turn.finalAt = now
	if tr.Text == "" {
		c.finishTurn(OutcomeNoSpeech, nil)
		return
	}
	c.dispatch(ctx)
}

func (c *Controller) dispatch(ctx context.Context) {
	c.transition(StateDispatching)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	c.cancelDispatch = cancel
	turnID := c.turn.ID
	q := intent.Query{Text: c.turn.Transcript, SessionID: c.cfg.SessionID, Lang: c.cfg.Lang}
	go func() {
		defer cancel()
		res, err := c.deps.Dispatcher.Dispatch(dctx, q)
		c.post(dispatchEvent{turnID: turnID, result: res, err: err})
	}()
}

func (c *Controller) onDispatch(ctx context.Context, e dispatchEvent) {
	if c.turn == nil || e.turnID != c.turn.ID || c.state != StateDispatching {
		c.logger.Debug("dropping late dispatch result", "turn_id", e.turnID)
		return
	}
	c.cancelDispatch = nil
	now := time.Now()
	c.turn.intentAt = now
	c.deps.Metrics.ObserveStage(observability.StageFinalToIntent, now.Sub(c.turn.finalAt))

	if e.err != nil {
		err := e.err
		if fault.KindOf(err) == "" {
			err = fault.Wrap(err, fault.DispatchFailed, "intent")
		}
		c.failTurn(OutcomeDispatchFailed, err)
		return
	}

	res := e.result
	c.turn.Result = &res
	c.send(IntentResultMessage(c.cfg.SessionID, c.turn.ID, res))

	switch {
	case res.Malformed:
		c.systemEvent(string(fault.MalformedResponse), "intent response had an unexpected shape")
		c.finishTurn(OutcomeMalformed, nil)
	case res.FulfillmentSpeech == "":
		c.finishTurn(OutcomeCompleted, nil)
	default:
		c.transition(StateSpeaking)
		c.turn.UtteranceID = c.playback.Speak(ctx, c.turn.ID, res.FulfillmentSpeech)
	}
}

// onPlayback forwards started/finished for every utterance so the client sees them
// paired; only the current utterance drives the state machine.
func (c *Controller) onPlayback(e PlaybackEvent) {
	current := c.turn != nil && e.TurnID == c.turn.ID && e.UtteranceID == c.turn.UtteranceID
	switch e.Type {
	case PlaybackStarted:
		if current {
			c.deps.Metrics.ObserveStage(observability.StageIntentToPlayback, time.Since(c.turn.intentAt))
		}
		c.send(c.playbackMessage(e, "started"))
	case PlaybackAudio:
		if !current {
			return
		}
		c.turn.audioSeq++
		c.send(protocol.AssistantAudioChunk{
			Type:        protocol.TypeAssistantAudio,
			SessionID:   c.cfg.SessionID,
			TurnID:      c.turn.ID,
			Seq:         c.turn.audioSeq,
			Format:      e.Format,
			AudioBase64: e.AudioBase64,
		})
	case PlaybackFinished:
		c.send(c.playbackMessage(e, "finished"))
		if !current || c.state != StateSpeaking {
			return
		}
		switch {
		case e.Err != nil:
			c.failTurn(OutcomePlaybackFailed, e.Err)
		case e.Interrupted:
			c.finishTurn(OutcomeCancelled, nil)
		default:
			c.finishTurn(OutcomeCompleted, nil)
		}
	}
}

// onCancel is valid in every state and idempotent.
func (c *Controller) onCancel() {
	if c.turn == nil {
		return
	}
	c.transition(StateCancelled)
	c.finishTurn(OutcomeCancelled, nil)
}

func (c *Controller) onAvailability(available bool) {
	if available == c.audioAvailable {
		return
	}
	c.audioAvailable = available
	if available {
		c.systemEvent(protocol.ActionAudioAvailable, "")
	} else {
		c.systemEvent(protocol.ActionAudioUnavailable, "")
	}
	if !available && c.state.capturing() {
		c.failTurn(OutcomeAudioUnavailable, fault.New(fault.AudioUnavailable, "audio", "audio input went away"))
		return
	}
	c.announce(c.state)
}

func (c *Controller) failTurn(outcome Outcome, err error) {
	c.logger.Warn("turn failed", "turn_id", c.turnID(), "outcome", outcome, "error", err)
	c.finishTurn(outcome, err)
}

// finishTurn tears down every in-flight stage of the turn and returns to idle.
func (c *Controller) finishTurn(outcome Outcome, err error) {
	turn := c.turn
	if turn == nil {
		return
	}
	if err != nil {
		c.sendError(turn.ID, err)
	}

	c.transcriber.Cancel()
	c.resetRecognitionStart()
	if c.cancelDispatch != nil {
		c.cancelDispatch()
		c.cancelDispatch = nil
	}
	if c.state == StateSpeaking || c.state == StateCancelled {
		c.playback.Stop()
	}
	c.turn = nil

	ended := time.Now()
	c.deps.Metrics.ObserveOutcome(string(outcome))
	c.deps.Metrics.ObserveStage(observability.StageTurnTotal, ended.Sub(turn.StartedAt))
	if c.deps.Turns != nil {
		if terr := c.deps.Turns.EndTurn(c.cfg.SessionID, turn.ID, outcome == OutcomeCancelled); terr != nil {
			c.logger.Warn("track turn end failed", "turn_id", turn.ID, "error", terr)
		}
	}
	c.record(turn, outcome, err, ended)

	c.send(protocol.TurnEnd{
		Type:       protocol.TypeTurnEnd,
		SessionID:  c.cfg.SessionID,
		TurnID:     turn.ID,
		Outcome:    string(outcome),
		Transcript: turn.Transcript,
		DurationMs: ended.Sub(turn.StartedAt).Milliseconds(),
	})
	c.logger.Info("turn finished", "turn_id", turn.ID, "outcome", outcome)
	c.transition(StateIdle)
}

func (c *Controller) record(turn *Turn, outcome Outcome, err error, ended time.Time) {
	if c.deps.History == nil {
		return
	}
	rec := history.TurnRecord{
		SessionID:  c.cfg.SessionID,
		TurnID:     turn.ID,
		Outcome:    string(outcome),
		Transcript: turn.Transcript,
		ErrorCode:  string(fault.KindOf(err)),
		StartedAt:  turn.StartedAt.UTC(),
		EndedAt:    ended.UTC(),
	}
	if rec.Transcript == "" {
		rec.Transcript = turn.Partial
	}
	if turn.Result != nil {
		rec.Action = turn.Result.Action
		rec.Speech = turn.Result.FulfillmentSpeech
	}
	select {
	case c.records <- rec:
	default:
		c.logger.Warn("turn history queue full, dropping record", "turn_id", turn.ID)
	}
}

// writeHistory persists finished turns off the event loop, one at a time.
func (c *Controller) writeHistory(done chan<- struct{}) {
	defer close(done)
	for rec := range c.records {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		if err := c.deps.History.Record(ctx, rec); err != nil {
			c.logger.Warn("record turn history failed", "turn_id", rec.TurnID, "error", err)
		}
		cancel()
	}
}

func (c *Controller) shutdown() {
	if c.turn != nil {
		c.transition(StateCancelled)
		c.finishTurn(OutcomeCancelled, nil)
	}
	c.transcriber.Cancel()
	c.playback.Stop()
}

func (c *Controller) turnID() string {
	if c.turn == nil {
		return ""
	}
	return c.turn.ID
}

func (c *Controller) micEnabled() bool {
	return c.state == StateIdle && c.audioAvailable
}

func (c *Controller) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.deps.Metrics.ObserveTransition(string(from), string(to))
	c.logger.Debug("state changed", "turn_id", c.turnID(), "from", from, "state", to)
	c.announce(from)
}

// announce publishes the snapshot and tells the client about the current state.
func (c *Controller) announce(previous State) {
	c.publish()
	c.send(protocol.StateChanged{
		Type:          protocol.TypeStateChanged,
		SessionID:     c.cfg.SessionID,
		TurnID:        c.turnID(),
		State:         string(c.state),
		Previous:      string(previous),
		MicEnabled:    c.micEnabled(),
		WaveAmplitude: c.state.waveAmplitude(),
	})
}

func (c *Controller) publish() {
	c.snap.Store(&Snapshot{
		State:          c.state,
		TurnID:         c.turnID(),
		MicEnabled:     c.micEnabled(),
		AudioAvailable: c.audioAvailable,
	})
}

func (c *Controller) systemEvent(code, detail string) {
	c.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: c.cfg.SessionID, Code: code, Detail: detail})
}

func (c *Controller) sendError(turnID string, err error) {
	evt := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.cfg.SessionID,
		TurnID:    turnID,
		Code:      "internal",
		Detail:    err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		evt.Code = string(fe.Kind)
		evt.Source = fe.Source
		evt.Retryable = fe.Retryable
		c.deps.Metrics.ObserveProviderError(fe.Source, string(fe.Kind))
	}
	c.send(evt)
}

func (c *Controller) playbackMessage(e PlaybackEvent, event string) protocol.PlaybackEvent {
	return protocol.PlaybackEvent{
		Type:        protocol.TypePlaybackEvent,
		SessionID:   c.cfg.SessionID,
		TurnID:      e.TurnID,
		UtteranceID: e.UtteranceID,
		Event:       event,
	}
}

// send delivers critical messages with a bounded wait and drops best-effort ones
// when the client is not keeping up.
func (c *Controller) send(msg any) {
	if c.deps.Outbound == nil {
		return
	}
	msgType, critical := outboundMessageMeta(msg)
	if !critical {
		select {
		case c.deps.Outbound <- msg:
			c.deps.Metrics.ObserveOutboundMessage(msgType, "delivered")
		default:
			c.deps.Metrics.ObserveOutboundMessage(msgType, "dropped")
		}
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case c.deps.Outbound <- msg:
		c.deps.Metrics.ObserveOutboundMessage(msgType, "delivered")
	case <-timer.C:
		c.deps.Metrics.ObserveOutboundMessage(msgType, "timeout")
		c.deps.Metrics.ObserveSessionEvent("outbound_drop")
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AudioLevel:
		return string(m.Type), false
	case protocol.AssistantAudioChunk:
		return string(m.Type), false
	case protocol.Transcript:
		return string(m.Type), m.IsFinal
	case protocol.StateChanged:
		return string(m.Type), true
	case protocol.IntentResult:
		return string(m.Type), true
	case protocol.PlaybackEvent:
		return string(m.Type), true
	case protocol.TurnEnd:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}

// IntentResultMessage flattens a dispatch result into its wire form.
func IntentResultMessage(sessionID, turnID string, res intent.Result) protocol.IntentResult {
	msg := protocol.IntentResult{
		Type:      protocol.TypeIntentResult,
		SessionID: sessionID,
		TurnID:    turnID,
		Action:    res.Action,
		Speech:    res.FulfillmentSpeech,
		Malformed: res.Malformed,
	}
	if len(res.Parameters) > 0 {
		msg.Parameters = make(map[string]string, len(res.Parameters))
		for name, p := range res.Parameters {
			msg.Parameters[name] = strings.TrimSpace(p.StringValue())
		}
	}
	if res.Money != nil {
		msg.Money = &protocol.IntentMoney{Amount: res.Money.Amount, Currency: res.Money.Currency}
		if !res.Money.Date.IsZero() {
			msg.Money.Date = res.Money.Date.Format("2006-01-02")
		}
	}
	return msg
}
