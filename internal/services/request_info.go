package services

import "context"

// RequestInfo is the caller metadata recorded on audit events
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo attaches caller metadata to ctx
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the caller metadata attached to ctx
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
