package doris

import (
	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/formmeta"
)

// Outcome is the interpretation of a DORIS response: the line selected as
// underlying and the stage values to write, keyed by data element name.
type Outcome struct {
	Stem    string
	Slot    causeofdeath.Slot
	Matched bool
	Values  map[string]string
}

// Interpret applies resp to cert. With a stem code the line carrying it
// becomes the only underlying line, and the report, processing mode and
// result fields are filled. Without one only the warning is written and
// cert is left untouched. Interpreting the same response twice yields the
// same outcome.
func Interpret(resp *Response, cert *causeofdeath.Certificate, catalog *formmeta.Catalog) Outcome {
	if resp.StemCode == "" {
		return Outcome{Values: map[string]string{formmeta.DEUnderlyingCODWarning: resp.Warning}}
	}

	out := Outcome{Stem: resp.StemCode, Values: map[string]string{}}
	if slot, ok := cert.FindStem(resp.StemCode); ok {
		cert.SetUnderlying(slot, true)
		out.Slot, out.Matched = slot, true
	} else {
		cert.ClearUnderlying()
	}
	for _, s := range causeofdeath.Slots {
		out.Values[s.UnderlyingField()] = boolString(cert.Underlying(s))
	}

	out.Values[formmeta.DEUnderlyingCODReport] = resp.Report
	out.Values[formmeta.DEUnderlyingCODWarning] = resp.Warning
	out.Values[formmeta.DEProcessedBy] = string(causeofdeath.Next(causeofdeath.ModeUnset, causeofdeath.Computed, ""))
	out.Values[formmeta.DEManualReason] = ""
	out.Values[formmeta.DEUnderlyingCODDORIS] = resp.StemCode
	for k, v := range catalog.ResultValues(resp.StemCode) {
		out.Values[k] = v
	}
	return out
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
