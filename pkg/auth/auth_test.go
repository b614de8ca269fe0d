package auth

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/finagent/pkg/apperr"
	"github.com/harun/finagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProber returns its results in order, repeating the last one.
type scriptedProber struct {
	mu      sync.Mutex
	results []toolexecutor.ToolResult
	calls   int
}

func (p *scriptedProber) Invoke(_ context.Context, name string, _ map[string]interface{}) toolexecutor.ToolResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	r := p.results[i]
	r.Tool = name
	return r
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func ok(text string) toolexecutor.ToolResult {
	return toolexecutor.ToolResult{Success: true, Output: text}
}

const loginRequired = `{"status":"login_required","login_url":"https://bank.example/login"}`

type recordingPrompter struct {
	mu      sync.Mutex
	prompts []LoginPrompt
}

func (r *recordingPrompter) PromptLogin(_ context.Context, p LoginPrompt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	return nil
}

func (r *recordingPrompter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prompts)
}

func newGate(t *testing.T, prober Prober, prompter Prompter, confirmer Confirmer) *Gate {
	t.Helper()
	g, err := NewGate(GateConfig{
		Prober:    prober,
		Prompter:  prompter,
		Confirmer: confirmer,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return g
}

func TestParseStatusRecord(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantErr  bool
		identity string
	}{
		{name: "phoneNumber", text: `{"status":"ok","phoneNumber":"6281"}`, identity: "6281"},
		{name: "phone_number", text: `{"status":"ok","phone_number":"6282"}`, identity: "6282"},
		{name: "user_id", text: `{"status":"ok","user_id":"u-9"}`, identity: "u-9"},
		{name: "precedence", text: `{"status":"ok","user_id":"u-9","phoneNumber":"6281"}`, identity: "6281"},
		{name: "login required", text: loginRequired},
		{name: "extra fields", text: `{"status":"ok","user_id":"u","plan":"gold"}`, identity: "u"},
		{name: "login required without url", text: `{"status":"login_required"}`, wantErr: true},
		{name: "login required empty url", text: `{"status":"login_required","login_url":""}`, wantErr: true},
		{name: "not json", text: `{'status': 'ok'}`, wantErr: true},
		{name: "array", text: `["ok"]`, wantErr: true},
		{name: "wrong type", text: `{"status":"ok","phoneNumber":6281}`, wantErr: true},
		{name: "empty", text: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, err := ParseStatusRecord(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedProbe))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.identity, record.Identity())
		})
	}
}

func TestGate_AuthenticatedImmediately(t *testing.T) {
	prober := &scriptedProber{results: []toolexecutor.ToolResult{ok(`{"status":"ok","phoneNumber":"6281"}`)}}
	prompter := &recordingPrompter{}
	g := newGate(t, prober, prompter, NewChannelConfirmer())

	s := NewSession(StaticToken("tok"))
	id, err := g.Authenticate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "6281", id)
	_, resolved := s.Identity()
	assert.True(t, resolved)
	assert.Zero(t, prompter.count())

	// cached on the session
	id, err = g.Authenticate(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "6281", id)
	assert.Equal(t, 1, prober.count())
}

func TestGate_LoginRequiredSuspendsUntilConfirmed(t *testing.T) {
	prober := &scriptedProber{results: []toolexecutor.ToolResult{
		ok(loginRequired),
		ok(`{"status":"ok","user_id":"u-1"}`),
	}}
	prompter := &recordingPrompter{}
	confirmer := NewChannelConfirmer()
	g := newGate(t, prober, prompter, confirmer)

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := g.Authenticate(context.Background(), NewSession(StaticToken("tok")))
		done <- outcome{id, err}
	}()

	require.Eventually(t, func() bool { return prompter.count() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("authentication finished before confirmation")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, prober.count(), "no polling while waiting")

	confirmer.Confirm()

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "u-1", out.id)
	case <-time.After(time.Second):
		t.Fatal("authentication did not resume after confirmation")
	}
	assert.Equal(t, 2, prober.count())
	assert.Equal(t, "https://bank.example/login", prompter.prompts[0].URL)
}

func TestGate_RepeatedLoginRequiresFreshConfirmation(t *testing.T) {
	prober := &scriptedProber{results: []toolexecutor.ToolResult{
		ok(loginRequired),
		ok(loginRequired),
		ok(`{"status":"ok","phone_number":"6282"}`),
	}}
	prompter := &recordingPrompter{}
	confirmer := NewChannelConfirmer()
	g := newGate(t, prober, prompter, confirmer)

	done := make(chan error, 1)
	go func() {
		_, err := g.Authenticate(context.Background(), NewSession(StaticToken("tok")))
		done <- err
	}()

	require.Eventually(t, func() bool { return prompter.count() == 1 }, time.Second, 5*time.Millisecond)
	confirmer.Confirm()
	require.Eventually(t, func() bool { return prompter.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, prompter.prompts[1].Attempt)
	confirmer.Confirm()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("authentication did not finish")
	}
	assert.Equal(t, 3, prober.count())
}

func TestGate_WaitHonoursCancellation(t *testing.T) {
	prober := &scriptedProber{results: []toolexecutor.ToolResult{ok(loginRequired)}}
	g := newGate(t, prober, &recordingPrompter{}, NewChannelConfirmer())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := g.Authenticate(ctx, NewSession(StaticToken("tok")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.ErrorIs(t, err, apperr.ErrAuthRequired)
}

type rotatingToken struct{ value string }

func (r *rotatingToken) SessionID() string { return r.value }

func TestSession_TokenFollowsSource(t *testing.T) {
	src := &rotatingToken{value: "before-handshake"}
	s := NewSession(src)
	assert.Equal(t, "before-handshake", s.Token())

	src.value = "assigned-by-server"
	assert.Equal(t, "assigned-by-server", s.Token())

	assert.Equal(t, "", NewSession(nil).Token())
}

func TestGate_ProbeFailures(t *testing.T) {
	tests := []struct {
		name   string
		result toolexecutor.ToolResult
	}{
		{name: "transport", result: toolexecutor.ToolResult{Error: "connection refused"}},
		{name: "malformed", result: ok("not json")},
		{name: "no identity", result: ok(`{"status":"ok"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := &scriptedProber{results: []toolexecutor.ToolResult{tt.result}}
			g := newGate(t, prober, &recordingPrompter{}, NewChannelConfirmer())

			s := NewSession(StaticToken("tok"))
			_, err := g.Authenticate(context.Background(), s)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrBackendUnavailable))
			_, resolved := s.Identity()
			assert.False(t, resolved)
			assert.Equal(t, 1, prober.count(), "never retried automatically")
		})
	}
}

func TestNewGate_Validation(t *testing.T) {
	_, err := NewGate(GateConfig{})
	assert.Error(t, err)

	_, err = NewGate(GateConfig{Prober: &scriptedProber{}})
	assert.Error(t, err)
}

func TestTerminal(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(strings.NewReader("\n"), &out)

	require.NoError(t, term.PromptLogin(context.Background(), LoginPrompt{URL: "https://x/login", Message: "Session expired"}))
	assert.Contains(t, out.String(), "https://x/login")
	assert.Contains(t, out.String(), "Session expired")

	require.NoError(t, term.AwaitConfirmation(context.Background()))
}

func TestChannelConfirmer_ConfirmBeforeWait(t *testing.T) {
	c := NewChannelConfirmer()
	c.Confirm()
	c.Confirm()

	require.NoError(t, c.AwaitConfirmation(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.AwaitConfirmation(ctx), context.Canceled)
}
