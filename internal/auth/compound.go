package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// CompoundAuthEngine tries several engines in order. An engine that fails
// with an error does not stop the others from accepting the request.
type CompoundAuthEngine struct {
	engines []AuthEngine
}

func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{engines: engines}
}

// AuthenticateRequest returns the User from the first engine that accepts
// the request. When none does, the errors of the engines that failed are
// returned joined; a request no engine recognised yields nil, nil.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	var errs []error
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", engine, err))
			continue
		}
		if user != nil {
			slog.Debug("Authenticated request", "user", user.Name, "engine", fmt.Sprintf("%T", engine))
			return user, nil
		}
	}

	return nil, errors.Join(errs...)
}
