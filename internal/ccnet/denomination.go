// internal/ccnet/denomination.go
package ccnet

import "cash-device-service/internal/model"

// DenominationTable maps device bill type codes to monetary values in
// minor units. Every code the device can report during escrow needs an
// entry; codes outside the table surface as unknown denomination
// errors rather than zero amounts.
type DenominationTable map[byte]model.Money

// DefaultDenominationTable covers the ruble bill set of CashCode
// compatible firmware, values in kopeks.
func DefaultDenominationTable() DenominationTable {
	return DenominationTable{
		0x02: 1000,   // 10 RUB
		0x03: 5000,   // 50 RUB
		0x04: 10000,  // 100 RUB
		0x05: 50000,  // 500 RUB
		0x06: 100000, // 1000 RUB
		0x07: 500000, // 5000 RUB
		0x0C: 20000,  // 200 RUB
		0x0D: 200000, // 2000 RUB
	}
}

// Lookup resolves a bill type code to its value.
func (t DenominationTable) Lookup(code byte) (model.Money, error) {
	value, ok := t[code]
	if !ok {
		return 0, &UnknownDenominationError{Code: code}
	}
	return value, nil
}

// Mask returns the bill mask covering every code in the table.
func (t DenominationTable) Mask() BillMask {
	var mask BillMask
	for code := range t {
		mask = mask.With(code)
	}
	return mask
}
