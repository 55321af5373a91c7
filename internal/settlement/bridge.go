package settlement

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// AnswerVerifier authenticates an oracle answer against the market's
// configured oracle key.
type AnswerVerifier interface {
	VerifyAnswer(answer domain.OracleAnswer, oracle common.Address) error
}

// Bridge tracks the single outstanding oracle request of a market and maps
// the oracle's answer onto the market's outcome set.
type Bridge struct {
	identifier domain.Identifier
	ancillary  []byte
	oracle     common.Address
	outcomes   domain.OutcomeSet
	verifier   AnswerVerifier
	record     domain.ResolutionRecord
}

// NewBridge creates a Bridge for the market's fixed query parameters. A nil
// verifier accepts any signature.
func NewBridge(m domain.Market, verifier AnswerVerifier) *Bridge {
	anc := make([]byte, len(m.Ancillary))
	copy(anc, m.Ancillary)
	return &Bridge{
		identifier: m.Identifier,
		ancillary:  anc,
		oracle:     m.Oracle.Address,
		outcomes:   m.Outcomes,
		verifier:   verifier,
	}
}

// Request records the oracle query for a locked market. The timestamp is
// truncated to whole seconds, which is the oracle's resolution.
func (b *Bridge) Request(status domain.Status, now time.Time) (domain.Query, error) {
	if b.record.Query != nil {
		return domain.Query{}, domain.ErrAlreadyRequested
	}
	if status != domain.StatusLocked {
		return domain.Query{}, fmt.Errorf("%w: cannot request resolution while %s", domain.ErrInvalidState, status)
	}
	at := now.UTC().Truncate(time.Second)
	q := domain.Query{Identifier: b.identifier, Ancillary: b.ancillary, Timestamp: at}
	b.record.Query = &q
	b.record.RequestedAt = &at
	return q, nil
}

// Resolution is the result of an accepted answer.
type Resolution struct {
	Outcome domain.Outcome
	Voided  bool
}

// Accept validates answer against the pending query. Nothing is recorded on
// error, including ErrOracleUnresolved for pending answers.
func (b *Bridge) Accept(status domain.Status, answer domain.OracleAnswer, now time.Time) (Resolution, error) {
	if status.Settled() || b.record.Final() {
		return Resolution{}, domain.ErrAlreadyResolved
	}
	if status != domain.StatusAwaitingResolution || b.record.Query == nil {
		return Resolution{}, domain.ErrNoRequestPending
	}
	if !answer.Query.Equal(*b.record.Query) {
		return Resolution{}, domain.ErrQueryMismatch
	}

	var res Resolution
	switch answer.State {
	case domain.AnswerPending:
		return Resolution{}, domain.ErrOracleUnresolved
	case domain.AnswerDisputed:
		res.Voided = true
	case domain.AnswerSettled:
		o, voided, err := b.outcomes.OutcomeFromPrice(answer.Price)
		if err != nil {
			return Resolution{}, err
		}
		res = Resolution{Outcome: o, Voided: voided}
	default:
		return Resolution{}, fmt.Errorf("%w: answer state %q", domain.ErrOutcomeUnknown, answer.State)
	}

	if b.verifier != nil {
		if err := b.verifier.VerifyAnswer(answer, b.oracle); err != nil {
			return Resolution{}, fmt.Errorf("%w: %v", domain.ErrAnswerSignature, err)
		}
	}

	at := now.UTC()
	a := answer
	b.record.Answer = &a
	b.record.ResolvedAt = &at
	b.record.Voided = res.Voided
	if !res.Voided {
		o := res.Outcome
		b.record.Outcome = &o
	}
	return res, nil
}

// Pending returns the outstanding query, if any.
func (b *Bridge) Pending() (domain.Query, bool) {
	if b.record.Query == nil || b.record.Final() {
		return domain.Query{}, false
	}
	return *b.record.Query, true
}

// Record returns a copy of the resolution record.
func (b *Bridge) Record() domain.ResolutionRecord {
	rec := b.record
	if rec.Query != nil {
		q := *rec.Query
		rec.Query = &q
	}
	if rec.Outcome != nil {
		o := *rec.Outcome
		rec.Outcome = &o
	}
	if rec.Answer != nil {
		a := *rec.Answer
		rec.Answer = &a
	}
	return rec
}
