package model

import "github.com/shopspring/decimal"

// Symbol describes how prices of an instrument are quoted and how levels are derived.
type Symbol struct {
	Name   string
	Digits int32           // decimal places the providers quote
	Pip    decimal.Decimal // one pip in price units
}
