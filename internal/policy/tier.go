package policy

// Tier is one rung of the recognition model ladder.
type Tier struct {
	Name      string  `yaml:"name" json:"name"`
	Model     string  `yaml:"model" json:"model,omitempty"`
	Cost      float64 `yaml:"cost" json:"cost"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Ladder lists tiers from cheapest to most expensive.
type Ladder []Tier

// Index returns the rank of the named tier, or -1.
func (l Ladder) Index(name string) int {
	for i, t := range l {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (l Ladder) Lookup(name string) (Tier, bool) {
	if i := l.Index(name); i >= 0 {
		return l[i], true
	}
	return Tier{}, false
}

// Next returns the tier directly above name. Escalation never skips a rung.
func (l Ladder) Next(name string) (Tier, bool) {
	i := l.Index(name)
	if i < 0 || i+1 >= len(l) {
		return Tier{}, false
	}
	return l[i+1], true
}

func (l Ladder) Cheapest() Tier {
	if len(l) == 0 {
		return Tier{}
	}
	return l[0]
}

func (l Ladder) Names() []string {
	names := make([]string, len(l))
	for i, t := range l {
		names[i] = t.Name
	}
	return names
}
