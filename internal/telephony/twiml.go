package telephony

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// RenderTwiML maps a CallControl document to TwiML.
func RenderTwiML(doc CallControl) (string, error) {
	if len(doc.Verbs) == 0 {
		return "", errors.New("telephony: empty call control document")
	}
	elems := make([]twiml.Element, 0, len(doc.Verbs))
	for _, v := range doc.Verbs {
		el, err := toTwiML(v)
		if err != nil {
			return "", err
		}
		elems = append(elems, el)
	}
	return twiml.Voice(elems)
}

func toTwiML(v Verb) (twiml.Element, error) {
	switch v := v.(type) {
	case Say:
		return &twiml.VoiceSay{Message: v.Text}, nil
	case GatherDigits:
		if v.Action == "" {
			return nil, errors.New("telephony: gather requires an action url")
		}
		g := &twiml.VoiceGather{
			Input:  "dtmf",
			Action: v.Action,
			Method: "POST",
		}
		if v.NumDigits > 0 {
			g.NumDigits = strconv.Itoa(v.NumDigits)
		}
		if v.Timeout > 0 {
			g.Timeout = strconv.Itoa(int(v.Timeout.Seconds()))
		}
		if v.Prompt != "" {
			g.InnerElements = []twiml.Element{&twiml.VoiceSay{Message: v.Prompt}}
		}
		return g, nil
	case JoinConference:
		if strings.TrimSpace(v.Name) == "" {
			return nil, errors.New("telephony: conference name required")
		}
		conf := &twiml.VoiceConference{
			Name:                   v.Name,
			StartConferenceOnEnter: strconv.FormatBool(v.StartOnEnter),
			EndConferenceOnExit:    strconv.FormatBool(v.EndOnExit),
			Beep:                   strconv.FormatBool(v.Beep),
		}
		if v.StatusCallbackURL != "" {
			conf.StatusCallback = v.StatusCallbackURL
			conf.StatusCallbackMethod = "POST"
			conf.StatusCallbackEvent = "start end join leave"
		}
		return &twiml.VoiceDial{InnerElements: []twiml.Element{conf}}, nil
	case Record:
		r := &twiml.VoiceRecord{
			Action:   v.Action,
			Method:   "POST",
			PlayBeep: "true",
		}
		if v.MaxLength > 0 {
			r.MaxLength = strconv.Itoa(int(v.MaxLength.Seconds()))
		}
		if v.TranscribeCallback != "" {
			r.Transcribe = "true"
			r.TranscribeCallback = v.TranscribeCallback
		}
		return r, nil
	case Redirect:
		if v.URL == "" {
			return nil, errors.New("telephony: redirect requires a url")
		}
		return &twiml.VoiceRedirect{Url: v.URL, Method: "POST"}, nil
	case Hangup:
		return &twiml.VoiceHangup{}, nil
	default:
		return nil, fmt.Errorf("telephony: unsupported verb %T", v)
	}
}
