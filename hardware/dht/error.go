package dht

import "fmt"

type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindChecksum
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindChecksum:
		return "checksum"
	case KindProtocol:
		return "protocol"
	}
	return fmt.Sprintf("kind=%d", uint8(k))
}

// SensorError is a failed read. Caller skips the tick, next read may succeed.
type SensorError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *SensorError) Error() string {
	s := "dht " + e.Kind.String()
	if e.Detail != "" {
		s += " " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *SensorError) Cause() error { return e.Err }

func IsSensorError(err error) bool {
	_, ok := err.(*SensorError)
	return ok
}

func errorf(kind ErrorKind, format string, args ...interface{}) *SensorError {
	return &SensorError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
