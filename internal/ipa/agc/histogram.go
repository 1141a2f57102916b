package agc

import "math"

// Histogram is a cumulative view over a set of bin counts.
type Histogram struct {
	cumulative []uint64
}

// NewHistogram builds a histogram from bin counts.
func NewHistogram(bins []uint32) *Histogram {
	h := &Histogram{cumulative: make([]uint64, len(bins)+1)}
	for i, n := range bins {
		h.cumulative[i+1] = h.cumulative[i] + uint64(n)
	}
	return h
}

// Bins returns the number of bins.
func (h *Histogram) Bins() int { return len(h.cumulative) - 1 }

// Total returns the number of samples.
func (h *Histogram) Total() uint64 { return h.cumulative[len(h.cumulative)-1] }

// Quantile returns the fractional bin position below which a proportion q
// of the samples lie, searching bins [first, last].
func (h *Histogram) Quantile(q float64, first, last int) float64 {
	if last < 0 || last > h.Bins()-1 {
		last = h.Bins() - 1
	}
	if first > last {
		first = last
	}
	item := uint64(q * float64(h.Total()))
	for first < last {
		middle := (first + last) / 2
		if h.cumulative[middle+1] > item {
			last = middle
		} else {
			first = middle + 1
		}
	}
	lo, hi := h.cumulative[first], h.cumulative[first+1]
	var frac float64
	if hi != lo {
		frac = float64(item-lo) / float64(hi-lo)
	}
	return float64(first) + frac
}

// InterQuantileMean returns the mean bin value of the samples between the
// low and high quantiles, interpolating partial bins. The result is offset
// by half a bin to report bin mid-points. An empty histogram returns 0.
func (h *Histogram) InterQuantileMean(low, high float64) float64 {
	if h.Total() == 0 || high <= low {
		return 0
	}
	lowPoint := h.Quantile(low, 0, -1)
	highPoint := h.Quantile(high, int(lowPoint), -1)

	var sumBinFreq, cumulFreq float64
	for next := math.Floor(lowPoint) + 1; next <= math.Ceil(highPoint); next++ {
		bin := int(math.Floor(lowPoint))
		freq := float64(h.cumulative[bin+1]-h.cumulative[bin]) * (math.Min(next, highPoint) - lowPoint)
		sumBinFreq += float64(bin) * freq
		cumulFreq += freq
		lowPoint = next
	}
	if cumulFreq == 0 {
		return 0
	}
	return sumBinFreq/cumulFreq + 0.5
}
