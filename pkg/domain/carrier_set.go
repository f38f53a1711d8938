package domain

import "strings"

// CarrierSet is the closed set of carriers accepted at the webhook boundary.
type CarrierSet map[Carrier]struct{}

func NewCarrierSet(names []string) CarrierSet {
	s := make(CarrierSet, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			s[Carrier(n)] = struct{}{}
		}
	}
	return s
}

func (s CarrierSet) Contains(c Carrier) bool {
	_, ok := s[c]
	return ok
}

// Names returns the carriers in no particular order.
func (s CarrierSet) Names() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	return out
}
