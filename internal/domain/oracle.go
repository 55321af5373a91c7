package domain

import "context"

// Oracle is the external resolver. Request must be idempotent for the same
// Query; Answer returns the oracle's current view, which may be pending.
type Oracle interface {
	Request(ctx context.Context, q Query) error
	Answer(ctx context.Context, q Query) (OracleAnswer, error)
}

// OracleDialer returns the client for a market's oracle.
type OracleDialer interface {
	Dial(ref OracleRef) (Oracle, error)
}
