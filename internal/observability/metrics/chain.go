package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type chainCollector struct {
	mu            sync.Mutex
	slots         uint64
	transactions  uint64
	counter       uint64
	verifications map[string]uint64
	settlements   map[string]uint64
	anchors       map[string]uint64
}

var chain = &chainCollector{
	verifications: make(map[string]uint64),
	settlements:   make(map[string]uint64),
	anchors:       make(map[string]uint64),
}

// ObserveSlotCommitted records a committed slot and the chain counter it closed at.
func ObserveSlotCommitted(transactions int, closeCounter uint64) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.slots++
	chain.transactions += uint64(transactions)
	if closeCounter > chain.counter {
		chain.counter = closeCounter
	}
}

// SetChainCounter publishes the latest chain counter, including clock ticks.
func SetChainCounter(counter uint64) {
	chain.mu.Lock()
	defer chain.mu.Unlock()
	chain.counter = counter
}

// ObserveVerification counts a range verification by result.
func ObserveVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	chain.inc(chain.verifications, result)
}

// ObserveSettlement counts a settled transaction by outcome.
func ObserveSettlement(outcome string) {
	chain.inc(chain.settlements, outcome)
}

// ObserveAnchor counts checkpoint submissions by result.
func ObserveAnchor(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	chain.inc(chain.anchors, result)
}

func (c *chainCollector) inc(m map[string]uint64, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[label]++
}

func (c *chainCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.WriteString("# HELP poh_slots_committed_total Slots sealed onto the chain.\n")
	b.WriteString("# TYPE poh_slots_committed_total counter\n")
	fmt.Fprintf(&b, "poh_slots_committed_total %d\n", c.slots)
	b.WriteString("# HELP poh_transactions_committed_total Transactions sealed in committed slots.\n")
	b.WriteString("# TYPE poh_transactions_committed_total counter\n")
	fmt.Fprintf(&b, "poh_transactions_committed_total %d\n", c.transactions)
	b.WriteString("# HELP poh_chain_counter Latest chain step counter.\n")
	b.WriteString("# TYPE poh_chain_counter gauge\n")
	fmt.Fprintf(&b, "poh_chain_counter %d\n", c.counter)

	writeLabelled(&b, "poh_verifications_total", "Range verifications by result.", "result", c.verifications)
	writeLabelled(&b, "poh_settlements_total", "Settled transactions by outcome.", "outcome", c.settlements)
	writeLabelled(&b, "poh_anchors_total", "Checkpoint submissions by result.", "result", c.anchors)
	return b.String()
}

func writeLabelled(b *strings.Builder, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, escape(k), values[k])
	}
}
