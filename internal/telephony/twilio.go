package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-dialer/internal/config"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/client/jwt"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"golang.org/x/sync/errgroup"
)

// twilioAPI is the subset of the generated REST service the gateway calls.
type twilioAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	CreateParticipant(conferenceSid string, params *openapi.CreateParticipantParams) (*openapi.ApiV2010Participant, error)
	FetchAccount(sid string) (*openapi.ApiV2010Account, error)
}

// TwilioGateway implements Gateway on the Twilio REST API.
type TwilioGateway struct {
	api twilioAPI
	cfg config.TwilioConfig
}

func NewTwilioGateway(cfg config.TwilioConfig) *TwilioGateway {
	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioGateway{api: rc.Api, cfg: cfg}
}

var _ Gateway = (*TwilioGateway)(nil)

var callStatusEvents = []string{"initiated", "ringing", "answered", "completed"}

func (g *TwilioGateway) Name() string { return "twilio" }

func (g *TwilioGateway) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.api.FetchAccount(g.cfg.AccountSID); err != nil {
		return classifyTwilioErr("fetch account", err)
	}
	return nil
}

func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if err := ctx.Err(); err != nil {
		return PlaceCallResult{}, err
	}
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.From) == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: to and from are required", ErrCallRejected)
	}
	doc, err := RenderTwiML(req.OnAnswer)
	if err != nil {
		return PlaceCallResult{}, err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetTwiml(doc)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent(callStatusEvents)
	}
	if req.RingTimeout > 0 {
		params.SetTimeout(int(req.RingTimeout / time.Second))
	}

	call, err := g.api.CreateCall(params)
	if err != nil {
		return PlaceCallResult{}, classifyTwilioErr("create call", err)
	}
	if call == nil || call.Sid == nil {
		return PlaceCallResult{}, fmt.Errorf("%w: create call returned no sid", ErrGatewayUnavailable)
	}
	return PlaceCallResult{GatewayCallID: *call.Sid}, nil
}

func (g *TwilioGateway) RingClients(ctx context.Context, req RingRequest) ([]RingLeg, error) {
	if strings.TrimSpace(req.ConferenceName) == "" {
		return nil, errors.New("telephony: conference name required")
	}
	legs := make([]RingLeg, len(req.Targets))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, target := range req.Targets {
		eg.Go(func() error {
			legs[i] = RingLeg{RepID: target.RepID}
			if err := ctx.Err(); err != nil {
				legs[i].Err = err
				return nil
			}
			params := &openapi.CreateParticipantParams{}
			params.SetFrom(req.From)
			params.SetTo("client:" + target.Identity)
			params.SetLabel(target.RepID)
			params.SetEndConferenceOnExit(false)
			params.SetBeep("false")
			if req.StatusCallbackURL != "" {
				params.SetStatusCallback(req.StatusCallbackURL)
				params.SetStatusCallbackMethod("POST")
				params.SetStatusCallbackEvent(callStatusEvents)
			}
			if req.RingTimeout > 0 {
				params.SetTimeout(int(req.RingTimeout / time.Second))
			}
			p, err := g.api.CreateParticipant(req.ConferenceName, params)
			if err != nil {
				legs[i].Err = classifyTwilioErr("create participant", err)
				return nil
			}
			if p != nil && p.CallSid != nil {
				legs[i].GatewayCallID = *p.CallSid
			}
			return nil
		})
	}
	// Leg goroutines never return errors; failures are per leg.
	_ = eg.Wait()
	return legs, nil
}

func (g *TwilioGateway) CancelCall(ctx context.Context, gatewayCallID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("canceled")
	if _, err := g.api.UpdateCall(gatewayCallID, params); err != nil {
		return classifyTwilioErr("cancel call", err)
	}
	return nil
}

func (g *TwilioGateway) RedirectCall(ctx context.Context, gatewayCallID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetUrl(url)
	params.SetMethod("POST")
	if _, err := g.api.UpdateCall(gatewayCallID, params); err != nil {
		return classifyTwilioErr("redirect call", err)
	}
	return nil
}

// JoinToken mints a Voice access token for the rep's browser or mobile client.
// The TwiML app routes the client's outgoing call to the join webhook, which
// receives session_id from the application params.
func (g *TwilioGateway) JoinToken(_ context.Context, req JoinTokenRequest) (string, error) {
	if req.Identity == "" {
		return "", errors.New("telephony: join token requires an identity")
	}
	tok := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    g.cfg.AccountSID,
		SigningKeySid: g.cfg.APIKeySID,
		Secret:        g.cfg.APIKeySecret,
		Identity:      req.Identity,
		Ttl:           g.cfg.JoinTokenTTL.Seconds(),
	})
	tok.AddGrant(&jwt.VoiceGrant{
		Incoming: jwt.Incoming{Allow: true},
		Outgoing: jwt.Outgoing{
			ApplicationSid: g.cfg.TwiMLAppSID,
			ApplicationParams: map[string]interface{}{
				"session_id": req.SessionID,
				"conference": req.ConferenceName,
			},
		},
	})
	return tok.ToJwt()
}

// classifyTwilioErr maps provider failures onto the package sentinels:
// 4xx responses are rejections, everything else is an outage.
func classifyTwilioErr(op string, err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 400 && restErr.Status < 500 {
			return fmt.Errorf("%w: %s: %d %s", ErrCallRejected, op, restErr.Code, restErr.Message)
		}
		return fmt.Errorf("%w: %s: %d %s", ErrGatewayUnavailable, op, restErr.Code, restErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
}
