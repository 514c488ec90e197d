package alerting

import (
	"context"
	"fmt"
	"io"
	"os"

	"driftwatch/internal/alert"
)

// ConsoleSink writes rendered alerts to a writer, stdout by default.
type ConsoleSink struct {
	out io.Writer
}

// NewConsoleSink constructs a ConsoleSink. A nil writer means stdout.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSink{out: out}
}

// Deliver prints the alert.
func (s *ConsoleSink) Deliver(ctx context.Context, a alert.Alert) error {
	_, err := fmt.Fprintln(s.out, renderMessage(a))
	return err
}

var _ Sink = (*ConsoleSink)(nil)
