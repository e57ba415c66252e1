package httpapi

import (
	"errors"
	"net/http"
	"time"

	"crm-dialer/internal/ingest"
	"crm-dialer/internal/routing"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Webhooks serves the gateway callbacks. Call-control endpoints answer with
// TwiML; status callbacks are acknowledged with an empty document.
type Webhooks struct {
	Router *routing.Router
	Ingest *ingest.Ingestor
	Clock  func() time.Time
}

func (w Webhooks) now() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

func badCallback(c *gin.Context, err error) {
	logger.FromGin(c).Warn("malformed gateway callback", "path", c.Request.URL.Path, "err", err)
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// callbackFailed answers 5xx so the gateway may redeliver; replays are deduplicated.
func callbackFailed(c *gin.Context, op string, err error) {
	logger.FromGin(c).Error(op+" failed", "err", err)
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": op + " failed"})
}

func (w Webhooks) Voice(c *gin.Context) {
	req, err := telephony.ParseInboundCall(c.Request, w.now())
	if err != nil {
		badCallback(c, err)
		return
	}
	doc, err := w.Router.HandleInbound(c.Request.Context(), req)
	if err != nil {
		callbackFailed(c, "inbound route", err)
		return
	}
	telephony.WriteCallControl(c, doc)
}

// Join is requested by the rep's client; session_id arrives either on the
// query string or as a client application parameter.
func (w Webhooks) Join(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = c.PostForm("session_id")
	}
	callSid := c.PostForm("CallSid")
	if sessionID == "" || callSid == "" {
		badCallback(c, errors.New("session_id and CallSid are required"))
		return
	}
	doc, err := w.Router.HandleJoin(c.Request.Context(), routing.JoinRequest{
		SessionID:     sessionID,
		GatewayCallID: callSid,
		From:          c.PostForm("From"),
	})
	if err != nil {
		callbackFailed(c, "join", err)
		return
	}
	telephony.WriteCallControl(c, doc)
}

func (w Webhooks) CallStatus(c *gin.Context) {
	ev, err := telephony.ParseCallStatus(c.Request, w.now())
	if err != nil {
		badCallback(c, err)
		return
	}
	res, err := w.Ingest.HandleCallStatus(c.Request.Context(), ev)
	if err != nil {
		callbackFailed(c, "call status", err)
		return
	}
	logger.FromGin(c).Debug("call status handled", "event_id", ev.EventID, "result", res)
	telephony.WriteEmpty(c)
}

func (w Webhooks) ConferenceStatus(c *gin.Context) {
	ev, err := telephony.ParseConferenceEvent(c.Request, w.now())
	if err != nil {
		badCallback(c, err)
		return
	}
	res, err := w.Ingest.HandleConferenceEvent(c.Request.Context(), ev)
	if err != nil {
		callbackFailed(c, "conference status", err)
		return
	}
	logger.FromGin(c).Debug("conference event handled", "event_id", ev.EventID, "result", res)
	telephony.WriteEmpty(c)
}

func (w Webhooks) Voicemail(c *gin.Context) {
	callSid := c.PostForm("CallSid")
	if callSid == "" {
		badCallback(c, telephony.ErrMissingCallSid)
		return
	}
	doc, err := w.Router.HandleVoicemail(c.Request.Context(), callSid)
	if err != nil {
		callbackFailed(c, "voicemail", err)
		return
	}
	telephony.WriteCallControl(c, doc)
}

func (w Webhooks) Recording(c *gin.Context) {
	ev, err := telephony.ParseRecording(c.Request, w.now())
	if err != nil {
		badCallback(c, err)
		return
	}
	doc, err := w.Router.RecordVoicemail(c.Request.Context(), ev)
	if err != nil {
		callbackFailed(c, "recording", err)
		return
	}
	telephony.WriteCallControl(c, doc)
}

func (w Webhooks) Transcription(c *gin.Context) {
	ev, err := telephony.ParseTranscription(c.Request, w.now())
	if err != nil {
		badCallback(c, err)
		return
	}
	if err := w.Router.RecordTranscription(c.Request.Context(), ev); err != nil {
		callbackFailed(c, "transcription", err)
		return
	}
	telephony.WriteEmpty(c)
}

// Register mounts every webhook under its telephony path.
func (w Webhooks) Register(g gin.IRoutes) {
	g.POST(telephony.PathVoice, w.Voice)
	g.POST(telephony.PathJoin, w.Join)
	g.POST(telephony.PathCallStatus, w.CallStatus)
	g.POST(telephony.PathConferenceStatus, w.ConferenceStatus)
	g.POST(telephony.PathVoicemail, w.Voicemail)
	g.POST(telephony.PathRecording, w.Recording)
	g.POST(telephony.PathTranscription, w.Transcription)
}
