package wifi

import "fmt"

type ErrorKind uint8

const (
	KindTimeout ErrorKind = iota + 1
	KindUnexpectedStatus
	KindProbeFailed
	KindRadio // scan or configure command failed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnexpectedStatus:
		return "unexpected status"
	case KindProbeFailed:
		return "probe failed"
	case KindRadio:
		return "radio"
	}
	return fmt.Sprintf("kind=%d", uint8(k))
}

// LinkError is fatal to startup after all attempts.
type LinkError struct {
	Kind   ErrorKind
	Status LinkStatus
	Err    error
}

func (e *LinkError) Error() string {
	s := "wifi link " + e.Kind.String()
	if e.Kind == KindUnexpectedStatus || e.Kind == KindTimeout {
		s += " status: " + e.Status.String()
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *LinkError) Cause() error { return e.Err }

func IsLinkError(err error, kind ErrorKind) bool {
	le, ok := err.(*LinkError)
	return ok && le.Kind == kind
}
