package tele

import "fmt"

// PublishError is returned after all attempts failed.
// Temporary means transport or broker problem, next tick may succeed.
type PublishError struct {
	Topic     string
	Attempts  int
	Temporary bool
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish topic=%s attempts=%d: %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Cause() error { return e.Err }

func IsPublishError(err error) bool {
	_, ok := err.(*PublishError)
	return ok
}
