package conversation

import (
	"context"
	"strings"

	"github.com/fulgencio/kiosk/pkg/audio"
	"github.com/fulgencio/kiosk/pkg/audio/capture"
	"github.com/fulgencio/kiosk/pkg/transport"
)

// handlers builds the inbound message table for session gen. Every handler
// drops events once gen is stale.
func (o *Orchestrator) handlers(gen uint64) transport.Handlers {
	return transport.Handlers{
		transport.TypeInputTranscription:   o.guard(gen, o.onInputTranscription),
		transport.TypeOutputTextDelta:      o.guard(gen, o.onAssistantDelta),
		transport.TypeAudioTranscriptDelta: o.guard(gen, o.onAssistantDelta),
		transport.TypeOutputTextDone:       o.guard(gen, func(e transport.Event) { o.finishAssistantLocked(e.Text()) }),
		transport.TypeAudioTranscriptDone:  o.guard(gen, func(e transport.Event) { o.finishAssistantLocked(e.Transcript()) }),
		transport.TypeAudioDelta:           o.guard(gen, o.onAudioDelta),
		transport.TypeAudio:                o.guard(gen, o.onAudioFrame),
		transport.TypeResponseCreated:      o.guard(gen, o.onResponseCreated),
		transport.TypeResponseDone:         o.guard(gen, o.onResponseDone),
		transport.TypeResponseCancelled:    o.guard(gen, o.onResponseCancelled),
		transport.TypeUserContextResolved:  o.guard(gen, o.onUserContext),
		transport.TypeError:                o.guard(gen, o.onRelayError),
	}
}

// guard runs fn with o.mu held when gen is current, then notifies
// subscribers.
func (o *Orchestrator) guard(gen uint64, fn func(transport.Event)) func(transport.Event) {
	return func(e transport.Event) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.gen != gen {
			return
		}
		fn(e)
		o.notifyLocked()
	}
}

func (o *Orchestrator) onInputTranscription(e transport.Event) {
	o.appendLocked(Message{Role: RoleUser, Content: e.Transcript(), Timestamp: o.now()})
}

func (o *Orchestrator) onAssistantDelta(e transport.Event) {
	delta := e.Delta()
	if strings.TrimSpace(delta) == "" {
		return
	}
	o.appendAssistantDeltaLocked(delta)
}

// onAudioDelta plays base64 PCM16 audio unless the visitor has interrupted
// the current response. Enqueueing under o.mu orders it against StopAll.
func (o *Orchestrator) onAudioDelta(e transport.Event) {
	if o.interrupted {
		return
	}
	pcm, err := audio.DecodeBase64Strict(e.Delta())
	if err != nil {
		o.logger.Warn("dropping malformed audio delta", "session_id", o.sessionID, "err", err)
		return
	}
	o.enqueueLocked(pcm)
}

// onAudioFrame plays a binary PCM16 frame.
func (o *Orchestrator) onAudioFrame(e transport.Event) {
	if o.interrupted {
		return
	}
	o.enqueueLocked(e.Binary)
}

func (o *Orchestrator) enqueueLocked(pcm []byte) {
	samples := audio.PCM16ToFloat(audio.DecodePCM16(pcm))
	if len(samples) == 0 {
		return
	}
	o.playback.Enqueue(samples)
}

func (o *Orchestrator) onResponseCreated(e transport.Event) {
	if id := e.ResponseID(); id != "" {
		o.responseID = id
	}
}

func (o *Orchestrator) onResponseDone(transport.Event) {
	o.responseID = ""
}

func (o *Orchestrator) onResponseCancelled(transport.Event) {
	o.responseID = ""
	o.interrupted = false
	o.playback.StopAll()
}

func (o *Orchestrator) onUserContext(e transport.Event) {
	uc := &UserContext{
		OrderNumber: strings.TrimSpace(e.OrderNumber()),
		FullName:    strings.TrimSpace(e.FullName()),
		Caricatures: []string{},
	}
	for _, c := range e.Caricatures() {
		if c = strings.TrimSpace(c); c != "" {
			uc.Caricatures = append(uc.Caricatures, c)
		}
	}
	if photo, ok := e.Photo(); ok {
		uc.Photo = strings.TrimSpace(photo)
	}
	o.userContext = uc
	o.logger.Info("visitor context resolved", "session_id", o.sessionID,
		"order_number", uc.OrderNumber, "caricatures", len(uc.Caricatures))
}

func (o *Orchestrator) onRelayError(e transport.Event) {
	msg := e.ErrorMessage()
	if msg == "" {
		msg = "unknown error"
	}
	o.lastErr = msg
	o.status = transport.StatusDisconnected
	o.logger.Warn("relay reported an error", "session_id", o.sessionID, "message", msg)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) lifecycle(gen uint64) transport.Lifecycle {
	return transport.Lifecycle{
		OnOpen: func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.gen != gen {
				return
			}
			o.status = transport.StatusConnected
			o.responseID = ""
			o.userSpeaking = false
			o.interrupted = false
			o.disarmSilenceLocked()
			o.notifyLocked()
		},
		OnError: func(err error) {
			o.mu.Lock()
			defer o.mu.Unlock()
			if o.gen != gen {
				return
			}
			o.lastErr = err.Error()
			o.notifyLocked()
		},
		OnClose: func() {
			o.mu.Lock()
			current := o.gen == gen
			o.mu.Unlock()
			if !current {
				return
			}
			o.logger.Info("relay closed the connection")
			// The channel invokes OnClose from its read loop; teardown closes
			// that same channel, so it must run elsewhere.
			go o.teardown(context.Background(), true)
		},
	}
}

// ── Capture callbacks ─────────────────────────────────────────────────────────

func (o *Orchestrator) onChunk(gen uint64) capture.ChunkFunc {
	return func(chunk []byte) {
		o.mu.Lock()
		ch := o.channel
		ok := o.gen == gen && ch != nil
		o.mu.Unlock()
		if ok && ch.Connected() {
			ch.Send(chunk)
		}
	}
}

// onSpeakingChange applies barge-in and turn-taking on each transition.
// Starting to speak over assistant audio stops playback and cancels the
// response; falling silent arms the silence timer.
func (o *Orchestrator) onSpeakingChange(gen uint64) capture.SpeakingFunc {
	return func(isSpeaking, _ bool) {
		o.mu.Lock()
		if o.gen != gen {
			o.mu.Unlock()
			return
		}
		o.userSpeaking = isSpeaking

		if !isSpeaking {
			o.interrupted = false
			o.armSilenceLocked(gen)
			o.notifyLocked()
			o.mu.Unlock()
			return
		}

		o.disarmSilenceLocked()
		var (
			cancelID string
			ch       Channel
		)
		if o.playback.HasActiveAudio() {
			o.interrupted = true
			o.playback.StopAll()
			o.assistantSpeaking = false
			cancelID, ch = o.responseID, o.channel
			o.metrics.Interruptions.Add(context.Background(), 1)
			o.logger.Info("visitor interrupted the assistant", "session_id", o.sessionID, "response_id", cancelID)
		}
		o.notifyLocked()
		o.mu.Unlock()

		if cancelID != "" && ch != nil && ch.Connected() {
			ch.Send(transport.NewResponseCancel(cancelID))
		}
	}
}
