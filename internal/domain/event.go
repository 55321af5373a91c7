package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names an accepted state transition.
type EventKind string

const (
	EventStakePlaced         EventKind = "stake_placed"
	EventLocked              EventKind = "locked"
	EventResolutionRequested EventKind = "resolution_requested"
	EventResolutionAccepted  EventKind = "resolution_accepted"
	EventResolutionVoided    EventKind = "resolution_voided"
	EventClaimed             EventKind = "claimed"
	EventRemainderSwept      EventKind = "remainder_swept"
)

// Event is one entry of a market's append-only log. Replaying the log from
// Seq 1 rebuilds the settlement state exactly.
type Event struct {
	MarketID    string
	Seq         uint64
	Kind        EventKind
	At          time.Time
	Participant common.Address
	Outcome     Outcome
	Amount      uint256.Int
	Query       *Query
	Answer      *OracleAnswer
}

type wireQuery struct {
	Identifier string `json:"identifier"`
	Ancillary  string `json:"ancillary"`
	Timestamp  int64  `json:"timestamp"`
}

type wireAnswer struct {
	Query     wireQuery `json:"query"`
	State     string    `json:"state"`
	Price     string    `json:"price,omitempty"`
	Signature string    `json:"signature,omitempty"`
}

type wireEvent struct {
	MarketID    string      `json:"market_id"`
	Seq         uint64      `json:"seq"`
	Kind        string      `json:"kind"`
	At          time.Time   `json:"at"`
	Participant string      `json:"participant,omitempty"`
	Outcome     uint8       `json:"outcome"`
	Amount      string      `json:"amount,omitempty"`
	Query       *wireQuery  `json:"query,omitempty"`
	Answer      *wireAnswer `json:"answer,omitempty"`
}

func encodeHex(b []byte) string { return "0x" + hex.EncodeToString(b) }

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func toWireQuery(q Query) wireQuery {
	return wireQuery{
		Identifier: q.Identifier.Hex(),
		Ancillary:  encodeHex(q.Ancillary),
		Timestamp:  q.Timestamp.Unix(),
	}
}

func (w wireQuery) toQuery() (Query, error) {
	id, err := IdentifierFromString(w.Identifier)
	if err != nil {
		return Query{}, err
	}
	anc, err := decodeHex(w.Ancillary)
	if err != nil {
		return Query{}, fmt.Errorf("ancillary: %w", err)
	}
	return Query{Identifier: id, Ancillary: anc, Timestamp: time.Unix(w.Timestamp, 0).UTC()}, nil
}

// EncodeAnswer serializes an answer for transport.
func EncodeAnswer(a OracleAnswer) ([]byte, error) {
	return json.Marshal(toWireAnswer(a))
}

// DecodeAnswer is the inverse of EncodeAnswer.
func DecodeAnswer(data []byte) (OracleAnswer, error) {
	var w wireAnswer
	if err := json.Unmarshal(data, &w); err != nil {
		return OracleAnswer{}, fmt.Errorf("domain: decode answer: %w", err)
	}
	return w.toAnswer()
}

func toWireAnswer(a OracleAnswer) wireAnswer {
	w := wireAnswer{Query: toWireQuery(a.Query), State: string(a.State)}
	if a.Price != nil {
		w.Price = a.Price.String()
	}
	if len(a.Signature) > 0 {
		w.Signature = encodeHex(a.Signature)
	}
	return w
}

func (w wireAnswer) toAnswer() (OracleAnswer, error) {
	q, err := w.Query.toQuery()
	if err != nil {
		return OracleAnswer{}, err
	}
	a := OracleAnswer{Query: q, State: AnswerState(w.State)}
	if w.Price != "" {
		p, ok := new(big.Int).SetString(w.Price, 10)
		if !ok {
			return OracleAnswer{}, fmt.Errorf("domain: bad price %q", w.Price)
		}
		a.Price = p
	}
	if w.Signature != "" {
		sig, err := decodeHex(w.Signature)
		if err != nil {
			return OracleAnswer{}, fmt.Errorf("domain: bad signature: %w", err)
		}
		a.Signature = sig
	}
	return a, nil
}

// EncodeEvent serializes an event to its JSON wire form. Amounts are decimal
// strings so they survive any JSON consumer.
func EncodeEvent(ev Event) ([]byte, error) {
	w := wireEvent{
		MarketID: ev.MarketID,
		Seq:      ev.Seq,
		Kind:     string(ev.Kind),
		At:       ev.At.UTC(),
		Outcome:  uint8(ev.Outcome),
	}
	if ev.Participant != (common.Address{}) {
		w.Participant = ev.Participant.Hex()
	}
	if !ev.Amount.IsZero() {
		w.Amount = ev.Amount.Dec()
	}
	if ev.Query != nil {
		q := toWireQuery(*ev.Query)
		w.Query = &q
	}
	if ev.Answer != nil {
		a := toWireAnswer(*ev.Answer)
		w.Answer = &a
	}
	return json.Marshal(w)
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("domain: decode event: %w", err)
	}
	ev := Event{
		MarketID: w.MarketID,
		Seq:      w.Seq,
		Kind:     EventKind(w.Kind),
		At:       w.At.UTC(),
		Outcome:  Outcome(w.Outcome),
	}
	if w.Participant != "" {
		if !common.IsHexAddress(w.Participant) {
			return Event{}, fmt.Errorf("domain: bad participant %q", w.Participant)
		}
		ev.Participant = common.HexToAddress(w.Participant)
	}
	if w.Amount != "" {
		amt, err := uint256.FromDecimal(w.Amount)
		if err != nil {
			return Event{}, fmt.Errorf("domain: bad amount %q: %w", w.Amount, err)
		}
		ev.Amount = *amt
	}
	if w.Query != nil {
		q, err := w.Query.toQuery()
		if err != nil {
			return Event{}, fmt.Errorf("domain: decode query: %w", err)
		}
		ev.Query = &q
	}
	if w.Answer != nil {
		a, err := w.Answer.toAnswer()
		if err != nil {
			return Event{}, err
		}
		ev.Answer = &a
	}
	return ev, nil
}
