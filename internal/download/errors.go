package download

import "fmt"

// Kind classifies a download failure.
type Kind int

const (
	// ClientError means no usable response: transport failure, timeout or
	// an interrupted body.
	ClientError Kind = iota
	// ServerError means the server answered with a non-2xx status.
	ServerError
	// DecodeError means the payload does not parse as the expected format.
	DecodeError
)

func (k Kind) String() string {
	switch k {
	case ClientError:
		return "client error"
	case ServerError:
		return "server error"
	case DecodeError:
		return "decode error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified download failure.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int // set for ServerError
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ServerError:
		return fmt.Sprintf("download %s: %s: HTTP %d", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("download %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("download %s: %s", e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }
