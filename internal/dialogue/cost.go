package dialogue

import "github.com/shopspring/decimal"

var million = decimal.NewFromInt(1_000_000)

// CostModel prices tokens in USD per million.
type CostModel struct {
	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal
}

func DefaultCostModel() CostModel {
	return CostModel{
		InputPerMillion:  decimal.NewFromInt(3),
		OutputPerMillion: decimal.NewFromInt(15),
	}
}

func (c CostModel) Estimate(inputTokens, outputTokens int) decimal.Decimal {
	in := decimal.NewFromInt(int64(inputTokens)).Div(million).Mul(c.InputPerMillion)
	out := decimal.NewFromInt(int64(outputTokens)).Div(million).Mul(c.OutputPerMillion)
	return in.Add(out)
}
