package domain

// Admission is the gate's combined decision for one request. Quota is only
// meaningful when Rate.Allowed is true.
type Admission struct {
	Rate  RateDecision
	Quota Reservation
}

// GenerateResult carries the produced text alongside the admission that
// paid for it.
type GenerateResult struct {
	Admission
	Text string
}
