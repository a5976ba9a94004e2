package credentials

import (
	"context"
	"net/http"
	"strings"

	"github.com/j-veylop/agent-dashboard/internal/models"
)

// Source identifies where a selected credential came from.
type Source string

const (
	SourceMachine   Source = "machine"
	SourceDelegated Source = "delegated"
	SourceNone      Source = "none"
)

// ForwardedTokenHeader carries the end user's token when running behind the
// workspace app proxy.
const ForwardedTokenHeader = "X-Forwarded-Access-Token"

// Selection is the outcome of choosing a credential.
type Selection struct {
	Credential *models.Credential
	Source     Source
}

// MachineSource supplies machine credentials. *Cache implements it.
type MachineSource interface {
	Get(ctx context.Context) (*models.Credential, bool)
	Invalidate()
}

// Selector picks the credential for an upstream call. The machine credential
// is preferred because delegated user tokens may lack the serving scope.
type Selector struct {
	machine MachineSource
}

// NewSelector creates a selector. A nil machine source disables machine credentials.
func NewSelector(machine MachineSource) *Selector {
	return &Selector{machine: machine}
}

// SelectForInference returns the machine credential when available, otherwise
// the delegated one, otherwise SourceNone.
func (s *Selector) SelectForInference(ctx context.Context, delegated *models.Credential) Selection {
	if s.machine != nil {
		if cred, ok := s.machine.Get(ctx); ok {
			return Selection{Credential: cred, Source: SourceMachine}
		}
	}
	if delegated != nil && delegated.Value != "" {
		return Selection{Credential: delegated, Source: SourceDelegated}
	}
	return Selection{Source: SourceNone}
}

// Select resolves a credential using the delegated credential carried by ctx.
func (s *Selector) Select(ctx context.Context) Selection {
	return s.SelectForInference(ctx, DelegatedFromContext(ctx))
}

// ReportRejected tells the selector that the upstream refused sel's credential.
// A rejected machine credential is dropped so the next call refreshes it.
func (s *Selector) ReportRejected(sel Selection) {
	if sel.Source == SourceMachine && s.machine != nil {
		s.machine.Invalidate()
	}
}

// DelegatedFromRequest extracts the delegated credential from r: the forwarded
// access token header, then a bearer Authorization header, then fallback.
// It returns nil when none is present.
func DelegatedFromRequest(r *http.Request, fallback string) *models.Credential {
	if token := strings.TrimSpace(r.Header.Get(ForwardedTokenHeader)); token != "" {
		return &models.Credential{Value: token}
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return &models.Credential{Value: strings.TrimSpace(token)}
		}
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return &models.Credential{Value: fallback}
	}
	return nil
}

type delegatedKey struct{}

// WithDelegated returns a context carrying the delegated credential.
func WithDelegated(ctx context.Context, cred *models.Credential) context.Context {
	if cred == nil {
		return ctx
	}
	return context.WithValue(ctx, delegatedKey{}, cred)
}

// DelegatedFromContext returns the delegated credential stored by WithDelegated.
func DelegatedFromContext(ctx context.Context) *models.Credential {
	cred, _ := ctx.Value(delegatedKey{}).(*models.Credential)
	return cred
}
