package tools

import "context"

// Interactor is the link from a running server tool back to the user on the
// other end of the connection.
type Interactor interface {
	// AskHuman sends a question and blocks until the answer arrives or ctx
	// ends.
	AskHuman(ctx context.Context, question string) (string, error)
	// ReportStep sends a progress update.
	ReportStep(ctx context.Context, data map[string]any) error
	// StopRequested reports whether the user asked to stop the turn.
	StopRequested() bool
}

type interactorKey struct{}

// WithInteractor returns a context carrying i.
func WithInteractor(ctx context.Context, i Interactor) context.Context {
	return context.WithValue(ctx, interactorKey{}, i)
}

// InteractorFrom returns the interactor in ctx, if any.
func InteractorFrom(ctx context.Context) (Interactor, bool) {
	i, ok := ctx.Value(interactorKey{}).(Interactor)
	return i, ok && i != nil
}
