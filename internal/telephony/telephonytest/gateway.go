// Package telephonytest provides a recording Gateway for tests.
package telephonytest

import (
	"context"
	"fmt"
	"sync"

	"crm-dialer/internal/telephony"
)

// Gateway records every request and answers from configurable outcomes.
type Gateway struct {
	mu sync.Mutex

	// PlaceErr, when set, is returned for every PlaceCall whose To is not in PlaceErrs.
	PlaceErr error
	// PlaceErrs fails PlaceCall for specific destination numbers.
	PlaceErrs map[string]error
	// RingErrs fails RingClients legs for specific rep ids.
	RingErrs  map[string]error
	CancelErr error
	// OnRing, when set, runs with the placed legs before RingClients returns,
	// the way a fast leg callback can arrive before the request completes.
	OnRing func(req telephony.RingRequest, legs []telephony.RingLeg)

	seq       int
	Placed    []telephony.PlaceCallRequest
	PlacedIDs []string
	Rung      []telephony.RingRequest
	Cancelled []string
	Redirects map[string]string
}

func New() *Gateway {
	return &Gateway{
		PlaceErrs: map[string]error{},
		RingErrs:  map[string]error{},
		Redirects: map[string]string{},
	}
}

var _ telephony.Gateway = (*Gateway)(nil)

func (g *Gateway) Name() string { return "fake" }

func (g *Gateway) HealthCheck(context.Context) error { return nil }

func (g *Gateway) nextID(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s%04d", prefix, g.seq)
}

func (g *Gateway) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Placed = append(g.Placed, req)
	if err, ok := g.PlaceErrs[req.To]; ok && err != nil {
		return telephony.PlaceCallResult{}, err
	}
	if g.PlaceErr != nil {
		return telephony.PlaceCallResult{}, g.PlaceErr
	}
	id := g.nextID("CA")
	g.PlacedIDs = append(g.PlacedIDs, id)
	return telephony.PlaceCallResult{GatewayCallID: id}, nil
}

func (g *Gateway) RingClients(_ context.Context, req telephony.RingRequest) ([]telephony.RingLeg, error) {
	legs := g.ring(req)
	if g.OnRing != nil {
		g.OnRing(req, legs)
	}
	return legs, nil
}

func (g *Gateway) ring(req telephony.RingRequest) []telephony.RingLeg {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Rung = append(g.Rung, req)
	legs := make([]telephony.RingLeg, 0, len(req.Targets))
	for _, t := range req.Targets {
		leg := telephony.RingLeg{RepID: t.RepID}
		if err := g.RingErrs[t.RepID]; err != nil {
			leg.Err = err
		} else {
			leg.GatewayCallID = g.nextID("CL")
		}
		legs = append(legs, leg)
	}
	return legs
}

func (g *Gateway) CancelCall(_ context.Context, gatewayCallID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cancelled = append(g.Cancelled, gatewayCallID)
	return g.CancelErr
}

func (g *Gateway) RedirectCall(_ context.Context, gatewayCallID, url string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Redirects[gatewayCallID] = url
	return nil
}

func (g *Gateway) JoinToken(_ context.Context, req telephony.JoinTokenRequest) (string, error) {
	return "token-" + req.Identity + "-" + req.SessionID, nil
}

// PlacedCount returns the number of PlaceCall requests seen.
func (g *Gateway) PlacedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Placed)
}

// LastPlacedID returns the gateway id of the most recent accepted call.
func (g *Gateway) LastPlacedID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.PlacedIDs) == 0 {
		return ""
	}
	return g.PlacedIDs[len(g.PlacedIDs)-1]
}

// CancelledIDs returns a copy of the cancelled call ids.
func (g *Gateway) CancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Cancelled...)
}

// RedirectOf returns where gatewayCallID was redirected, if anywhere.
func (g *Gateway) RedirectOf(gatewayCallID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Redirects[gatewayCallID]
}
