package apiclient

import (
	"fmt"
	"strings"

	"github.com/sendlix/smtp-relay/helpers"
)

const (
	ModeDomain  = "domain"
	ModeAddress = "address"
)

// Policy decides whether an authenticated client may use a sender address.
type Policy struct {
	mode    string
	allowed map[string]struct{}
}

func NewPolicy(mode string, authorizedSenders []string) (*Policy, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case "":
		mode = ModeDomain
	case ModeDomain, ModeAddress:
	default:
		return nil, fmt.Errorf("unknown authorization mode %q", mode)
	}

	p := &Policy{mode: mode}
	for _, s := range authorizedSenders {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{})
		}
		p.allowed[s] = struct{}{}
	}
	return p, nil
}

func (p *Policy) Mode() string {
	return p.mode
}

// Allow checks sender against the static allowlist and the token claims.
func (p *Policy) Allow(client *Client, sender string) (bool, error) {
	if !client.IsAuthenticated() {
		return false, ErrNotAuthenticated
	}

	_, domain, ok := helpers.SplitEmailAddress(sender)
	if !ok {
		return false, nil
	}

	if len(p.allowed) > 0 {
		candidate := domain
		if p.mode == ModeAddress {
			candidate = strings.ToLower(strings.TrimSpace(sender))
		}
		_, listed := p.allowed[candidate]
		if !listed && p.mode == ModeAddress {
			// Domain entries still cover every address in that domain.
			_, listed = p.allowed[domain]
		}
		if !listed {
			return false, nil
		}
	}

	return client.IsAuthorizedToSend(domain)
}
