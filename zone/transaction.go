package zone

import (
	"errors"
	"strings"

	"github.com/miekg/dns"
)

// ErrMalformedUpdate is returned when an update section record has an
// encoding RFC 2136 does not define.
var ErrMalformedUpdate = errors.New("malformed update record")

// OpKind is the kind of a single transaction step.
type OpKind uint8

const (
	// OpAdd adds one record to its set.
	OpAdd OpKind = iota + 1
	// OpDeleteRR removes one record.
	OpDeleteRR
	// OpDeleteRRset removes the whole set of a type at a name.
	OpDeleteRRset
	// OpDeleteName removes every set at a name.
	OpDeleteName
)

var opNames = map[OpKind]string{
	OpAdd:         "add",
	OpDeleteRR:    "delete-rr",
	OpDeleteRRset: "delete-rrset",
	OpDeleteName:  "delete-name",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return "unknown"
}

// Op is one step of a transaction.
type Op struct {
	Kind OpKind
	Name string
	Type uint16
	RR   dns.RR
}

func (o Op) String() string {
	if o.RR != nil {
		return o.Kind.String() + " " + o.RR.String()
	}
	return o.Kind.String() + " " + o.Name + " " + dns.TypeToString[o.Type]
}

// Transaction is an ordered list of changes applied atomically by Store.Apply.
type Transaction struct {
	Ops []Op
}

// NewTransaction returns an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Add queues the addition of rr.
func (tx *Transaction) Add(rr dns.RR) *Transaction {
	tx.Ops = append(tx.Ops, Op{Kind: OpAdd, Name: dns.CanonicalName(rr.Header().Name), Type: rr.Header().Rrtype, RR: rr})
	return tx
}

// Delete queues the removal of the single record rr.
func (tx *Transaction) Delete(rr dns.RR) *Transaction {
	tx.Ops = append(tx.Ops, Op{Kind: OpDeleteRR, Name: dns.CanonicalName(rr.Header().Name), Type: rr.Header().Rrtype, RR: rr})
	return tx
}

// DeleteRRset queues the removal of the set of type t at name.
func (tx *Transaction) DeleteRRset(name string, t uint16) *Transaction {
	tx.Ops = append(tx.Ops, Op{Kind: OpDeleteRRset, Name: dns.CanonicalName(name), Type: t})
	return tx
}

// DeleteName queues the removal of every set at name.
func (tx *Transaction) DeleteName(name string) *Transaction {
	tx.Ops = append(tx.Ops, Op{Kind: OpDeleteName, Name: dns.CanonicalName(name), Type: dns.TypeANY})
	return tx
}

// Len returns the number of queued steps.
func (tx *Transaction) Len() int { return len(tx.Ops) }

func (tx *Transaction) String() string {
	parts := make([]string, 0, len(tx.Ops))
	for _, op := range tx.Ops {
		parts = append(parts, op.String())
	}
	return strings.Join(parts, "; ")
}

// Records encodes the transaction as an RFC 2136 update section for a zone
// of the given class.
func (tx *Transaction) Records(class uint16) []dns.RR {
	out := make([]dns.RR, 0, len(tx.Ops))

	for _, op := range tx.Ops {
		switch op.Kind {
		case OpAdd:
			rr := dns.Copy(op.RR)
			rr.Header().Class = class
			out = append(out, rr)
		case OpDeleteRR:
			rr := dns.Copy(op.RR)
			rr.Header().Class = dns.ClassNONE
			rr.Header().Ttl = 0
			out = append(out, rr)
		case OpDeleteRRset, OpDeleteName:
			out = append(out, &dns.ANY{Hdr: dns.RR_Header{Name: op.Name, Rrtype: op.Type, Class: dns.ClassANY}})
		}
	}

	return out
}

// TransactionFromRecords decodes an RFC 2136 update section.
func TransactionFromRecords(rrs []dns.RR, class uint16) (*Transaction, error) {
	tx := NewTransaction()

	for _, rr := range rrs {
		h := rr.Header()

		switch h.Class {
		case class:
			tx.Add(rr)
		case dns.ClassANY:
			if h.Ttl != 0 || !EmptyRdata(rr) {
				return nil, &RecordError{Record: rr.String(), Err: ErrMalformedUpdate}
			}
			if h.Rrtype == dns.TypeANY {
				tx.DeleteName(h.Name)
			} else {
				tx.DeleteRRset(h.Name, h.Rrtype)
			}
		case dns.ClassNONE:
			if h.Ttl != 0 || h.Rrtype == dns.TypeANY {
				return nil, &RecordError{Record: rr.String(), Err: ErrMalformedUpdate}
			}
			c := dns.Copy(rr)
			c.Header().Class = class
			tx.Delete(c)
		default:
			return nil, &RecordError{Record: rr.String(), Err: ErrMalformedUpdate}
		}
	}

	return tx, nil
}

// EmptyRdata reports whether rr carries no rdata, as delete and
// prerequisite records of class ANY and NONE do.
func EmptyRdata(rr dns.RR) bool {
	switch rr.(type) {
	case *dns.ANY, *dns.RR_Header:
		return true
	}
	return rr.Header().Rdlength == 0
}
