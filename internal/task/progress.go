package task

import "context"

type reporterKey struct{}

// FromContext returns the task whose payload is running under ctx.
func FromContext(ctx context.Context) (*BackgroundTask, bool) {
	t, ok := ctx.Value(reporterKey{}).(*BackgroundTask)
	return t, ok
}

// ReportProgress updates the progress of the task running under ctx.
// It reports false, and does nothing, when the payload runs inline.
func ReportProgress(ctx context.Context, value float64, message string) bool {
	t, ok := FromContext(ctx)
	if !ok {
		return false
	}
	t.UpdateProgress(value, message)
	return true
}
