package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// LoginPrompt is shown to the user when the backend requires a login.
type LoginPrompt struct {
	URL     string
	Message string
	Attempt int
}

// Prompter surfaces a login URL to the user.
type Prompter interface {
	PromptLogin(ctx context.Context, prompt LoginPrompt) error
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, prompt LoginPrompt) error

func (f PrompterFunc) PromptLogin(ctx context.Context, prompt LoginPrompt) error {
	return f(ctx, prompt)
}

// Confirmer blocks until the user confirms the login or ctx ends.
type Confirmer interface {
	AwaitConfirmation(ctx context.Context) error
}

// ChannelConfirmer is released by Confirm, typically from another goroutine
// such as a gateway connection reader.
type ChannelConfirmer struct {
	ch chan struct{}
}

func NewChannelConfirmer() *ChannelConfirmer {
	return &ChannelConfirmer{ch: make(chan struct{}, 1)}
}

// Confirm releases one pending or future wait. Extra confirmations are dropped.
func (c *ChannelConfirmer) Confirm() {
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *ChannelConfirmer) AwaitConfirmation(ctx context.Context) error {
	select {
	case <-c.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminal prompts on a writer and waits for Enter on a reader.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal shares in with the caller when it is already a *bufio.Reader.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

func (t *Terminal) PromptLogin(_ context.Context, prompt LoginPrompt) error {
	fmt.Fprintln(t.out, "")
	if prompt.Message != "" {
		fmt.Fprintln(t.out, prompt.Message)
	}
	fmt.Fprintln(t.out, "Please log in using the following URL:")
	fmt.Fprintf(t.out, "  %s\n", prompt.URL)
	_, err := fmt.Fprint(t.out, "Press Enter once you have completed the login... ")
	return err
}

func (t *Terminal) AwaitConfirmation(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.in.ReadString('\n')
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
