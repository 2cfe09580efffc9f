package system

import "context"

// Service is a component the Manager starts and stops, such as a background
// runner. Start must not block.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
