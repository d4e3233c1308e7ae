package dnsutil

import (
	"bytes"
	"errors"

	"github.com/miekg/dns"
)

var (
	// ErrNameTooLong is returned for names over 255 octets in wire form.
	ErrNameTooLong = errors.New("domain name exceeds 255 octets")
	// ErrLabelTooLong is returned for labels over 63 octets.
	ErrLabelTooLong = errors.New("label exceeds 63 octets")
	// ErrBadName is returned for names miekg/dns refuses to parse.
	ErrBadName = errors.New("bad domain name")
)

// Labels splits a presentation-format name into wire-form labels with
// escapes resolved and ASCII upper case folded. The root name has no labels.
func Labels(name string) [][]byte {
	var (
		out   [][]byte
		label []byte
	)

	for i := 0; i < len(name); i++ {
		c := name[i]

		switch {
		case c == '\\' && i+3 < len(name) && isDigit(name[i+1]) && isDigit(name[i+2]) && isDigit(name[i+3]):
			v := int(name[i+1]-'0')*100 + int(name[i+2]-'0')*10 + int(name[i+3]-'0')
			label = append(label, lower(byte(v)))
			i += 3
		case c == '\\' && i+1 < len(name):
			label = append(label, lower(name[i+1]))
			i++
		case c == '.':
			if len(label) > 0 || i != len(name)-1 {
				out = append(out, label)
			}
			label = nil
		default:
			label = append(label, lower(c))
		}
	}

	if len(label) > 0 {
		out = append(out, label)
	}

	return out
}

// CompareCanonical orders two names per RFC 4034 section 6.1. It returns
// -1, 0 or +1. Every descendant of a name sorts directly after it.
func CompareCanonical(a, b string) int {
	la, lb := Labels(a), Labels(b)

	i, j := len(la)-1, len(lb)-1
	for i >= 0 && j >= 0 {
		if c := bytes.Compare(la[i], lb[j]); c != 0 {
			return c
		}
		i--
		j--
	}

	switch {
	case i < 0 && j < 0:
		return 0
	case i < 0:
		return -1
	default:
		return 1
	}
}

// ValidateName checks that name is a well formed FQDN within the wire limits.
func ValidateName(name string) error {
	total := 1
	for _, l := range Labels(name) {
		if len(l) > 63 {
			return ErrLabelTooLong
		}
		total += len(l) + 1
	}

	if total > 255 {
		return ErrNameTooLong
	}

	if _, ok := dns.IsDomainName(name); !ok {
		return ErrBadName
	}

	return nil
}

// Parent returns the immediate parent of name, or "" for the root.
func Parent(name string) string {
	if name == "." || name == "" {
		return ""
	}

	off, end := dns.NextLabel(name, 0)
	if end {
		return "."
	}

	return name[off:]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
