package complexity

import (
	"fmt"
	"strings"
)

// Tier is the estimated processing complexity of a task. Tiers are totally
// ordered: Simple < Medium < Complex < Extreme.
type Tier int

const (
	Simple Tier = iota
	Medium
	Complex
	Extreme
)

var tierNames = [...]string{"simple", "medium", "complex", "extreme"}

// Tiers lists every tier in ascending order.
func Tiers() []Tier {
	return []Tier{Simple, Medium, Complex, Extreme}
}

func (t Tier) String() string {
	if t < Simple || t > Extreme {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier converts a tier name to a Tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if s == name {
			return Tier(i), nil
		}
	}
	return Simple, fmt.Errorf("unknown complexity tier %q", s)
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	if t < Simple || t > Extreme {
		return nil, fmt.Errorf("invalid complexity tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
