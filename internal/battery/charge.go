package battery

// ChargeState is the pack's inferred charging condition.
type ChargeState string

const (
	ChargeCharged     ChargeState = "charged"
	ChargeCharging    ChargeState = "charging"
	ChargePlugged     ChargeState = "plugged"
	ChargeDischarging ChargeState = "discharging"
)

// Inference thresholds.
const (
	nearFullVolts = 4.18
	nearFullPct   = 99.0

	// Rising deltas against the previous cycle that count as evidence of
	// active charging.
	risingPctDelta   = 0.10
	risingVoltsDelta = 0.008
)

// InferCharge classifies the charge state from the current reading, an
// optional USB-power observation (nil when detection failed) and the
// previous cycle's trend (nil on first boot or after state loss).
//
// The rules apply in fixed order regardless of the USB signal: near-full
// wins, then a rising trend. The USB observation only breaks the remaining
// tie, confirmed power reading as plugged and anything else as discharging.
func InferCharge(usb *bool, voltage, percent float64, prev *Trend) ChargeState {
	nearFull := voltage >= nearFullVolts || percent >= nearFullPct
	rising := prev != nil &&
		(percent-prev.Percent > risingPctDelta || voltage-prev.Voltage > risingVoltsDelta)

	if nearFull {
		return ChargeCharged
	}
	if rising {
		return ChargeCharging
	}
	if usb != nil && *usb {
		return ChargePlugged
	}

	return ChargeDischarging
}
