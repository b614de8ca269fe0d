package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/finagent/internal/observability"
	"github.com/harun/finagent/internal/tracing"
	"github.com/harun/finagent/pkg/apperr"
	"go.opentelemetry.io/otel/attribute"
)

// callModel submits one request, failing over across auth profiles in
// priority order. Exhausting every profile yields apperr.ErrBackendUnavailable.
func (r *Runner) callModel(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	r.authMu.RLock()
	profiles := make([]AuthProfile, len(r.authProfiles))
	copy(profiles, r.authProfiles)
	r.authMu.RUnlock()

	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	logger := tracing.LoggerFromContext(ctx, r.logger)

	// profiles in cooldown are skipped unless nothing else is left
	now := time.Now().UnixMilli()
	candidates := make([]AuthProfile, 0, len(profiles))
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && now < *profile.CooldownUntil {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		candidates = append(candidates, profile)
	}
	if len(candidates) == 0 {
		candidates = profiles
	}

	var lastErr error
	for _, profile := range candidates {
		provider, err := r.providerFactory.NewProvider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		profileReq := req
		if profile.Model != "" {
			profileReq.Model = profile.Model
		}

		resp, err := r.callWithRetry(ctx, provider, profileReq)
		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		r.updateProfileFailure(profile.ID)
		logger.Warn().Str("profile_id", profile.ID).Str("provider", profile.Provider).Err(err).Msg("Auth profile failed")
	}

	if lastErr == nil {
		lastErr = errors.New("no auth profiles configured")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, apperr.Unavailable("model", lastErr)
}

// callWithRetry retries transient failures with exponential backoff.
func (r *Runner) callWithRetry(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	maxRetries := r.settings.MaxRetries
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := r.callOnce(ctx, provider, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == maxRetries-1 {
			break
		}

		delay := time.Duration(r.settings.RetryBaseDelay*(1<<attempt)) * time.Millisecond
		r.logger.Info().
			Str("provider", provider.Provider()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (r *Runner) callOnce(ctx context.Context, provider LLMProvider, req LLMRequest) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.model_call",
		attribute.String("provider", provider.Provider()),
		attribute.String("model", req.Model),
	)
	defer span.End()

	start := time.Now()
	resp, err := provider.Call(ctx, req)
	observability.RecordModelCall(provider.Provider(), time.Since(start), err == nil)
	if err != nil {
		tracing.MarkError(span, err)
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s returned no response", provider.Provider())
	}
	return resp, nil
}

func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			break
		}
	}
}

// updateProfileFailure puts a profile into a cooldown that grows by a
// minute with each consecutive failure.
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			until := time.Now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &until
			break
		}
	}
}
