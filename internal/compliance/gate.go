package compliance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nyaruka/phonenumbers"

	"github.com/ignite/smscast/internal/config"
	"github.com/ignite/smscast/internal/domain"
	"github.com/ignite/smscast/internal/pkg/logger"
)

// OptOutStore is the read/write surface the gate needs for opt-out records.
type OptOutStore interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	AddOptOut(ctx context.Context, phone, reason string) error
}

// ConsentFunc reports whether a consent record exists for a phone. Only
// consulted for MARKETING when the jurisdiction requires consent.
type ConsentFunc func(ctx context.Context, phone string) (bool, error)

// Result is the outcome of one policy check.
type Result struct {
	Status domain.ComplianceStatus
	Reason string
}

// Gate evaluates send policy per recipient.
type Gate struct {
	optouts OptOutStore
	cfg     config.ComplianceConfig
	consent ConsentFunc

	mu    sync.Mutex
	cache map[string]Result // per-pass cache, keyed phone|category
}

// NewGate creates a compliance gate. consent may be nil; with consent
// required and no ConsentFunc, no marketing recipient has consent.
func NewGate(optouts OptOutStore, cfg config.ComplianceConfig, consent ConsentFunc) *Gate {
	return &Gate{
		optouts: optouts,
		cfg:     cfg,
		consent: consent,
		cache:   make(map[string]Result),
	}
}

// BeginPass clears the per-pass result cache. The executor calls this once
// before iterating a session so opt-outs added mid-run take effect on the
// next pass, not mid-iteration.
func (g *Gate) BeginPass() {
	g.mu.Lock()
	g.cache = make(map[string]Result)
	g.mu.Unlock()
}

// Check applies the policy rules in order; the first match wins.
func (g *Gate) Check(ctx context.Context, phone string, category domain.CampaignCategory) (Result, error) {
	key := phone + "|" + string(category)

	g.mu.Lock()
	if r, ok := g.cache[key]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	r, err := g.check(ctx, phone, category)
	if err != nil {
		return Result{}, err
	}

	g.mu.Lock()
	g.cache[key] = r
	g.mu.Unlock()
	return r, nil
}

func (g *Gate) check(ctx context.Context, phone string, category domain.CampaignCategory) (Result, error) {
	normalized, ok := g.Normalize(phone)
	if !ok {
		return Result{Status: domain.ComplianceBlocked, Reason: "invalid_number"}, nil
	}

	opted, err := g.optouts.IsOptedOut(ctx, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("optout lookup for %s: %w", normalized, err)
	}
	if opted {
		return Result{Status: domain.ComplianceOptOut, Reason: "opted_out"}, nil
	}

	if category == domain.CategoryMarketing && g.cfg.RequireConsent {
		hasConsent := false
		if g.consent != nil {
			hasConsent, err = g.consent(ctx, normalized)
			if err != nil {
				return Result{}, fmt.Errorf("consent lookup for %s: %w", normalized, err)
			}
		}
		if !hasConsent {
			return Result{Status: domain.ComplianceRequiresConsent, Reason: "no_consent_record"}, nil
		}
	}

	return Result{Status: domain.ComplianceOK}, nil
}

// Normalize parses a phone number and returns its E.164 form. The second
// return is false when the number cannot be parsed or is not valid.
func (g *Gate) Normalize(phone string) (string, bool) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(phone, g.cfg.DefaultRegion)
	if err != nil {
		return "", false
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// Inbound STOP-style keywords that create an opt-out record.
var stopKeywords = map[string]bool{
	"STOP": true, "STOPALL": true, "UNSUBSCRIBE": true,
	"CANCEL": true, "END": true, "QUIT": true,
}

// HandleInbound processes an inbound message from a recipient. STOP-like
// keywords record an opt-out; HELP returns a canned-reply flag. The returned
// reply is empty when no automatic response is owed.
func (g *Gate) HandleInbound(ctx context.Context, phone, text string) (reply string, err error) {
	normalized, ok := g.Normalize(phone)
	if !ok {
		return "", domain.NewError(domain.CodeInvalidInput, "inbound from unparseable number")
	}

	keyword := strings.ToUpper(strings.TrimSpace(text))
	switch {
	case stopKeywords[keyword]:
		if err := g.optouts.AddOptOut(ctx, normalized, "keyword:"+keyword); err != nil {
			return "", fmt.Errorf("record optout: %w", err)
		}
		logger.Info("opt-out recorded", "phone", normalized, "keyword", keyword)
		return "You have been unsubscribed and will receive no further messages.", nil
	case keyword == "HELP":
		return "Reply STOP to unsubscribe.", nil
	}
	return "", nil
}
