package telephony

import (
	"strings"
	"testing"
)

func TestRenderTwiML_ConferenceBridge(t *testing.T) {
	doc := Control(
		Say{Text: "Please hold"},
		JoinConference{Name: "inbound-abc", StartOnEnter: true, EndOnExit: true, StatusCallbackURL: "https://x.test/webhooks/twilio/conference-status"},
	)
	out, err := RenderTwiML(doc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Say>Please hold</Say>", "<Conference", `endConferenceOnExit="true"`, ">inbound-abc</Conference>"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in twiml: %s", want, out)
		}
	}
}

func TestRenderTwiML_GatherAndRecord(t *testing.T) {
	doc := Control(
		GatherDigits{Prompt: "Enter an extension", Action: "https://x.test/route", NumDigits: 3},
		Record{Action: "https://x.test/recording", TranscribeCallback: "https://x.test/transcription"},
		Hangup{},
	)
	out, err := RenderTwiML(doc)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"<Gather", `numDigits="3"`, "<Record", `transcribe="true"`, "<Hangup"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in twiml: %s", want, out)
		}
	}
}

func TestRenderTwiML_RejectsInvalidDocuments(t *testing.T) {
	if _, err := RenderTwiML(CallControl{}); err == nil {
		t.Fatalf("expected error for empty document")
	}
	if _, err := RenderTwiML(Control(JoinConference{})); err == nil {
		t.Fatalf("expected error for unnamed conference")
	}
	if _, err := RenderTwiML(Control(Redirect{})); err == nil {
		t.Fatalf("expected error for redirect without url")
	}
}
