package tunnel

import "errors"

// Sentinel errors surfaced by the core tunnel subsystem. Callers compare
// against these with errors.Is; none of them carry additional context
// beyond what the message says.
var (
	ErrBadRangeExpression         = errors.New("tunnel: bad port range expression")
	ErrBadRangeExpressionMinGtMax = errors.New("tunnel: port range minimum greater than maximum")
	ErrExhaustedRange             = errors.New("tunnel: port range exhausted")
	ErrAgentClosed                = errors.New("tunnel: agent closed")
	ErrAlreadyStarted             = errors.New("tunnel: agent already started")
	ErrInvalidSubdomain           = errors.New("tunnel: invalid subdomain")
	ErrUnknownClient              = errors.New("tunnel: unknown client")
)
