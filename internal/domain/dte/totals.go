package dte

import (
	"sort"

	"github.com/shopspring/decimal"
)

// VATRate is the Chilean value added tax rate
var VATRate = decimal.RequireFromString("0.19")

var vatFactor = decimal.NewFromInt(1).Add(VATRate)

// ComputeTotals derives the document amounts from exact line products.
// Rounding happens once, half-up to whole pesos, on the final total; the
// tax is whatever remains after the net and exempt amounts so the parts
// always add up to the total. Receipt prices include VAT, every other
// type prices lines net.
func ComputeTotals(docType DocumentType, lines []Line) Totals {
	taxable := decimal.Zero
	exempt := decimal.Zero
	for _, l := range lines {
		amount := l.Quantity.Mul(l.UnitPrice)
		if l.Exempt || docType.IsExempt() {
			exempt = exempt.Add(amount)
		} else {
			taxable = taxable.Add(amount)
		}
	}

	var net, total decimal.Decimal
	if docType.IsReceipt() {
		total = taxable.Add(exempt)
		net = taxable.Div(vatFactor)
	} else {
		net = taxable
		total = taxable.Mul(vatFactor).Add(exempt)
	}

	t := Totals{
		Net:    net.Round(0).IntPart(),
		Exempt: exempt.Round(0).IntPart(),
		Total:  total.Round(0).IntPart(),
	}
	t.Tax = t.Total - t.Net - t.Exempt
	return t
}

// LineAmounts returns the whole-peso amount of every line. Taxable and
// exempt lines are apportioned separately so each group adds up to the
// rounded amount ComputeTotals reports for it: the taxable lines sum to
// Net, or to Total minus Exempt on receipts, and the exempt lines sum to
// Exempt. Each line is within one peso of its exact product.
func LineAmounts(docType DocumentType, lines []Line) []int64 {
	totals := ComputeTotals(docType, lines)
	taxableTarget := totals.Net
	if docType.IsReceipt() {
		taxableTarget = totals.Total - totals.Exempt
	}

	var taxable, exempt []int
	exact := make([]decimal.Decimal, len(lines))
	for i, l := range lines {
		exact[i] = l.Quantity.Mul(l.UnitPrice)
		if l.Exempt || docType.IsExempt() {
			exempt = append(exempt, i)
		} else {
			taxable = append(taxable, i)
		}
	}

	out := make([]int64, len(lines))
	apportion(exact, taxable, taxableTarget, out)
	apportion(exact, exempt, totals.Exempt, out)
	return out
}

// apportion rounds exact[idx] half-up into out and then moves the rounding
// difference to target one peso at a time, starting with the lines whose
// rounding lost (or gained) the most.
func apportion(exact []decimal.Decimal, idx []int, target int64, out []int64) {
	if len(idx) == 0 {
		return
	}
	var sum int64
	for _, i := range idx {
		out[i] = exact[i].Round(0).IntPart()
		sum += out[i]
	}
	diff := target - sum
	if diff == 0 {
		return
	}

	order := append([]int(nil), idx...)
	residual := func(i int) decimal.Decimal { return exact[i].Sub(decimal.NewFromInt(out[i])) }
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := residual(order[a]), residual(order[b])
		if diff > 0 {
			return ra.GreaterThan(rb)
		}
		return ra.LessThan(rb)
	})

	step := int64(1)
	if diff < 0 {
		step, diff = -1, -diff
	}
	for n := int64(0); n < diff; n++ {
		out[order[int(n)%len(order)]] += step
	}
}
