package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Gateway composes the enabled validators into one authentication decision
// per request. Validators are consulted in the order given (federated before
// local before API key); the first success wins, and schemes are never
// combined — a request authenticates entirely under one mode or not at all.
type Gateway struct {
	validators []Validator
	log        *slog.Logger
}

// NewGateway builds a gateway over an ordered validator list. The caller
// decides which schemes are enabled; the gateway only enforces short-circuit
// precedence.
func NewGateway(log *slog.Logger, validators ...Validator) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{validators: validators, log: log}
}

// Modes lists the enabled schemes in decision order.
func (g *Gateway) Modes() []Mode {
	modes := make([]Mode, len(g.validators))
	for i, v := range g.validators {
		modes[i] = v.Mode()
	}
	return modes
}

// Authenticate resolves the request to an auth Context or an error wrapping
// ErrUnauthorized. Validators that see no credential for their scheme are
// skipped; a request fails only when no enabled validator accepts it.
func (g *Gateway) Authenticate(ctx context.Context, r *http.Request) (*Context, error) {
	creds := CredentialsFromRequest(r)
	if creds.Empty() {
		return nil, fmt.Errorf("%w: no credential presented", ErrUnauthorized)
	}

	var failures []error
	for _, v := range g.validators {
		ac, err := v.Validate(ctx, creds)
		if err != nil {
			if errors.Is(err, ErrNoCredential) {
				continue
			}
			g.log.DebugContext(ctx, "auth.validator.reject",
				slog.String("mode", string(v.Mode())),
				slog.String("err", err.Error()))
			failures = append(failures, err)
			continue
		}
		g.log.DebugContext(ctx, "auth.validator.accept",
			slog.String("mode", string(ac.Mode)),
			slog.String("principal", ac.Principal))
		return ac, nil
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, errors.Join(failures...))
	}
	return nil, fmt.Errorf("%w: no enabled scheme matched the presented credential", ErrUnauthorized)
}
