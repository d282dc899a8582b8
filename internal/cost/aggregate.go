package cost

import "sort"

// GroupTotal is one aggregated line: a key with its summed amount.
type GroupTotal struct {
	Key      string
	Amount   float64
	Currency string
}

// Aggregate collapses duplicate-keyed line items into one total per key.
// Amounts are summed per key; the currency is the one first observed for
// that key (a single query is expected not to mix currencies; if it does,
// first-seen wins). Output is ordered by total descending. Ties keep input
// order but callers must not rely on any particular order among equal
// amounts.
func Aggregate[T any](items []T, groupOf func(T) GroupTotal) []GroupTotal {
	index := make(map[string]int, len(items))
	var totals []GroupTotal

	for _, item := range items {
		g := groupOf(item)
		if i, ok := index[g.Key]; ok {
			totals[i].Amount += g.Amount
			continue
		}
		index[g.Key] = len(totals)
		totals = append(totals, g)
	}

	sort.SliceStable(totals, func(i, j int) bool {
		return totals[i].Amount > totals[j].Amount
	})
	return totals
}
