package auth

import "context"

type subjectContextKey struct{}

// WithSubject attaches the authenticated subject to the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFrom retrieves the authenticated subject from the context.
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey{}).(string)
	return subject, ok
}
