package domain

import "github.com/shopspring/decimal"

// Amounts and balances go over the wire as JSON numbers, the shape the
// dashboard reads. Requests may still send them quoted.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// MoneyScale is the number of fraction digits an amount may carry.
const MoneyScale = 2
