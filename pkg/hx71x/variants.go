package hx71x

import "fmt"

// Model describes one chip variant of the HX71x family. The family
// shares the wire protocol; variants differ only in their supported
// sample rates and gain/channel selections.
type Model struct {
	Name        string
	Rates       []int
	DefaultRate int
	Gains       map[string]int
	DefaultGain string
}

// HX711 supports 80 and 10 sps and three gain/channel settings.
var HX711 = Model{
	Name:        "hx711",
	Rates:       []int{80, 10},
	DefaultRate: 80,
	Gains:       map[string]int{"A-128": 1, "B-32": 2, "A-64": 3},
	DefaultGain: "A-128",
}

// HX717 supports 320, 80, 20 and 10 sps and four gain/channel settings.
var HX717 = Model{
	Name:        "hx717",
	Rates:       []int{320, 80, 20, 10},
	DefaultRate: 320,
	Gains:       map[string]int{"A-128": 1, "B-64": 2, "A-64": 3, "B-8": 4},
	DefaultGain: "A-128",
}

// ModelByName resolves a chip model from its configuration name.
func ModelByName(name string) (Model, error) {
	switch name {
	case HX711.Name:
		return HX711, nil
	case HX717.Name:
		return HX717, nil
	}
	return Model{}, fmt.Errorf("hx71x: unknown sensor type %q", name)
}

// resolveRate validates a configured sample rate, 0 selecting the default.
func (m Model) resolveRate(rate int) (int, error) {
	if rate == 0 {
		return m.DefaultRate, nil
	}
	for _, r := range m.Rates {
		if r == rate {
			return r, nil
		}
	}
	return 0, fmt.Errorf("hx71x: %s does not support sample_rate %d (choices %v)",
		m.Name, rate, m.Rates)
}

// resolveGain validates a configured gain choice, "" selecting the default.
func (m Model) resolveGain(gain string) (int, error) {
	if gain == "" {
		gain = m.DefaultGain
	}
	ch, ok := m.Gains[gain]
	if !ok {
		return 0, fmt.Errorf("hx71x: %s does not support gain %q", m.Name, gain)
	}
	return ch, nil
}
