// Package live runs the websocket side of a session: one reader, one
// writer that owns all socket writes, and the step loop that alternates
// the accepting-input gate with dialog steps.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/dialog"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
	"github.com/voxlane/voxlane/pkg/sessions"
)

type Config struct {
	PingInterval    time.Duration // default 20s
	WriteTimeout    time.Duration // default 5s
	ReadTimeout     time.Duration // zero disables read deadlines
	MaxMessageBytes int64         // default 64 KiB

	// InputWaitTimeout bounds how long the loop keeps the gate open
	// waiting for the next input before closing the session. Default 180s.
	InputWaitTimeout time.Duration

	// StepTimeout bounds one dialog step end to end, including draining
	// its output to the socket. Default 120s.
	StepTimeout time.Duration

	// AiSpeaksFirst runs one dialog step as soon as the socket attaches,
	// before any client input.
	AiSpeaksFirst bool

	// Transcriber resolves uploaded recordings into user text. Nil means
	// audio input is not supported.
	Transcriber     types.Transcriber
	TranscribeModel string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Loop struct {
	cfg Config
}

func NewLoop(cfg Config) *Loop {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.InputWaitTimeout <= 0 {
		cfg.InputWaitTimeout = 180 * time.Second
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg}
}

// Run drives one websocket connection for sess until the client goes
// away, the loop idles out, or ctx is cancelled. The session is marked
// for eviction on return; reconnecting requires a fresh login.
func (l *Loop) Run(ctx context.Context, conn *websocket.Conn, sess *sessions.Session) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.AttachConn(conn)
	defer func() {
		sess.SetAccepting(false)
		sess.RequestKill()
		sess.DetachConn()
	}()

	conn.SetReadLimit(l.cfg.MaxMessageBytes)
	if l.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		l.readLoop(ctx, conn, sess)
	}()

	var writeErr error
	writerDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer cancel()
		defer close(writerDone)
		writeErr = l.writeLoop(ctx, conn, sess.Output)
	}()

	err := l.stepLoop(ctx, sess)

	cancel()
	// Let the writer flush its close frame, then close the socket so a
	// reader blocked in ReadMessage unwinds instead of waiting for the
	// idle sweeper to evict the session.
	<-writerDone
	_ = conn.Close()
	wg.Wait()

	if err == nil {
		err = writeErr
	}
	return err
}

// stepLoop alternates the gate: open it, wait for one input, close it,
// run the dialog step, repeat. History is only ever touched with the
// gate closed, so the single-writer invariant holds without locking.
func (l *Loop) stepLoop(ctx context.Context, sess *sessions.Session) error {
	if l.cfg.AiSpeaksFirst {
		if err := l.runStep(ctx, sess, ""); err != nil {
			return err
		}
	}

	for {
		sess.SetAccepting(true)

		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.InputWaitTimeout)
		msg, err := sess.Input.Get(waitCtx)
		cancel()
		if err != nil {
			sess.SetAccepting(false)
			switch {
			case errors.Is(err, dialog.ErrQueueClosed):
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				l.cfg.Logger.Info("session idle, closing", "session_id", sess.ID)
				return nil
			}
		}

		sess.SetAccepting(false)
		sess.Touch()

		userText, ok := l.resolveInput(ctx, sess, msg)
		if !ok {
			continue
		}
		if err := l.runStep(ctx, sess, userText); err != nil {
			return err
		}
	}
}

// resolveInput turns one queued client message into the user turn text.
// Audio uploads are transcribed first, echoing the transcript back to the
// client before the dialog step runs. A false return means the message
// produced no step.
func (l *Loop) resolveInput(ctx context.Context, sess *sessions.Session, msg protocol.ClientMessage) (string, bool) {
	upload, isAudio := msg.(protocol.ClientAudioUpload)
	if !isAudio {
		return userTextOf(msg), true
	}

	if l.cfg.Transcriber == nil {
		l.cfg.Logger.Warn("audio input with no transcriber configured", "session_id", sess.ID)
		sess.Output.Send(protocol.NewEndOfDialogStep("audio input is not supported"))
		return "", false
	}

	tctx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()
	text, err := l.cfg.Transcriber.Transcribe(tctx, types.TranscribeRequest{
		Model:    l.cfg.TranscribeModel,
		Audio:    upload.Data,
		Filename: upload.Filename,
	})
	if err != nil {
		l.cfg.Logger.Error("transcription failed", "session_id", sess.ID, "error", err)
		l.cfg.Metrics.RecordError("transcription")
		sess.Output.Send(protocol.NewEndOfDialogStep("transcription failed"))
		return "", false
	}

	sess.Output.Send(protocol.NewTranscriptionCompleted(text))
	return text, true
}

func (l *Loop) runStep(ctx context.Context, sess *sessions.Session, userText string) error {
	stepCtx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()

	sess.Manager.Step(stepCtx, userText, nil, sess.Output)
	sess.Touch()
	return ctx.Err()
}

// userTextOf renders a client message as the user turn text it stands for.
func userTextOf(msg protocol.ClientMessage) string {
	switch m := msg.(type) {
	case protocol.ClientTextInput:
		return m.Content
	case protocol.ClientWebElementEvent:
		payload, err := json.Marshal(m.Payload)
		if err != nil {
			return "[" + m.ElementType + " event]"
		}
		return "[" + m.ElementType + " event] " + string(payload)
	default:
		return ""
	}
}

func (l *Loop) readLoop(ctx context.Context, conn *websocket.Conn, sess *sessions.Session) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		var msg protocol.ClientMessage
		if messageType == websocket.BinaryMessage {
			// A binary inbound frame is one complete recorded utterance.
			l.cfg.Metrics.RecordAudio("in", len(data))
			msg = protocol.ClientAudioUpload{Data: data}
		} else {
			decoded, err := protocol.DecodeClientMessage(data)
			if err != nil {
				l.cfg.Logger.Warn("bad client message", "session_id", sess.ID, "error", err)
				continue
			}
			msg = decoded
		}

		// The gate rejects rather than queues: input sent while a step is
		// running is dropped so it can never race the history writer.
		if !sess.Accepting() {
			l.cfg.Logger.Warn("input rejected, session busy", "session_id", sess.ID)
			sess.Output.Send(protocol.NewAiStatus("busy"))
			continue
		}

		if !sess.Input.Put(msg) {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writeLoop owns all writes to the socket. It pumps the session output
// queue, interleaving pings, and writes a close frame on shutdown.
func (l *Loop) writeLoop(ctx context.Context, conn *websocket.Conn, out dialog.OutboundQueue) error {
	frames := make(chan dialog.Outbound)
	go func() {
		defer close(frames)
		for {
			ob, err := out.Get(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- ob:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.writeClose(conn)
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(l.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case ob, ok := <-frames:
			if !ok {
				l.writeClose(conn)
				return nil
			}
			if err := l.writeFrame(conn, ob); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) writeFrame(conn *websocket.Conn, ob dialog.Outbound) error {
	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if ob.Binary != nil {
		return conn.WriteMessage(websocket.BinaryMessage, ob.Binary)
	}
	if ob.Msg == nil {
		return nil
	}
	payload, err := json.Marshal(ob.Msg)
	if err != nil {
		l.cfg.Logger.Error("marshal outbound message", "type", ob.Msg.MessageType(), "error", err)
		return nil
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (l *Loop) writeClose(conn *websocket.Conn) {
	deadline := time.Now().Add(l.cfg.WriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
