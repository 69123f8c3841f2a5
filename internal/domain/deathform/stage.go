package deathform

import (
	"fmt"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/nationalid"
)

// managedDataElements are written only through the cause-of-death actions.
var managedDataElements = func() map[string]bool {
	m := map[string]bool{
		formmeta.DEUnderlyingCOD:        true,
		formmeta.DEUnderlyingCODCode:    true,
		formmeta.DEUnderlyingCODChapter: true,
		formmeta.DEUnderlyingCODGroup:   true,
		formmeta.DEUnderlyingCODReport:  true,
		formmeta.DEUnderlyingCODWarning: true,
		formmeta.DEUnderlyingCODDORIS:   true,
	}
	for _, s := range causeofdeath.Slots {
		m[s.CodeField()] = true
		m[s.EntityField()] = true
		m[s.UnderlyingField()] = true
	}
	return m
}()

// editStageValue writes a stage data value and what depends on it.
func (s *Service) editStageValue(e *editor, name, value string) error {
	switch name {
	case formmeta.DEProcessedBy:
		chosen := causeofdeath.ParseMode(value)
		if string(chosen) != value {
			return fmt.Errorf("%w: processed by %q", ErrInvalidValue, value)
		}
		e.setMode(causeofdeath.Next(e.mode(), causeofdeath.ModeChosen, chosen))
		e.codesChanged = true
	case formmeta.DEMotherIdentityNumber:
		digits, ok := nationalid.Sanitize(value)
		if !ok {
			return nil
		}
		e.setValue(name, digits)
		s.deriveMotherFromNationalID(e)
	case formmeta.DEMotherIdentificationType:
		e.setValue(name, value)
		s.deriveMotherFromNationalID(e)
	default:
		e.setValue(name, value)
	}
	return nil
}

func addCode(e *editor, slot causeofdeath.Slot, code, foundationURI string) error {
	cert, err := e.certificate()
	if err != nil {
		return err
	}
	if err := cert.AddCode(slot, code, foundationURI); err != nil {
		return err
	}
	e.codesEdited(cert, slot)
	return nil
}

func retainCodes(e *editor, slot causeofdeath.Slot, selected []string) error {
	cert, err := e.certificate()
	if err != nil {
		return err
	}
	removed, err := cert.Retain(slot, selected)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.codesEdited(cert, slot)
	}
	return nil
}

func setIntervals(e *editor, slot causeofdeath.Slot, intervals map[string]IntervalInput) error {
	cert, err := e.certificate()
	if err != nil {
		return err
	}
	for code, in := range intervals {
		iv, err := causeofdeath.NewInterval(in.Unit, in.Value)
		if err != nil {
			return fmt.Errorf("code %s: %w", code, err)
		}
		if err := cert.SetInterval(slot, code, iv); err != nil {
			return err
		}
	}
	e.codesEdited(cert, slot)
	return nil
}

// setUnderlying is the manual underlying checkbox. Checking requires Manual
// mode and a free flag; a line with one code selects it, a line with
// several offers them as selections.
func (s *Service) setUnderlying(e *editor, slot causeofdeath.Slot, checked bool) error {
	cert, err := e.certificate()
	if err != nil {
		return err
	}
	mode := e.mode()
	e.codesChanged = true

	if !checked {
		if mode == causeofdeath.ModeAutomatic {
			return ErrFieldLocked
		}
		cert.SetUnderlying(slot, false)
		e.writeFlags(cert)
		e.setResult("")
		return nil
	}

	if mode != causeofdeath.ModeManual {
		return ErrManualModeRequired
	}
	if cert.Empty(slot) {
		return ErrEmptySlot
	}
	if cur, ok := cert.UnderlyingSlot(); ok && cur != slot {
		return ErrUnderlyingLocked
	}
	cert.SetUnderlying(slot, true)
	e.writeFlags(cert)
	e.setMode(causeofdeath.Next(mode, causeofdeath.ManualSelection, ""))

	entries := cert.Entries(slot)
	if len(entries) == 1 {
		e.setResult(entries[0].Code)
		return nil
	}
	e.setResult("")
	e.selections = make([]Selection, len(entries))
	for i, en := range entries {
		e.selections[i] = Selection{Value: en.Code, Label: en.Token() + " - " + s.catalog.Name(en.Code)}
	}
	return nil
}

// selectUnderlyingCode picks the result among the codes of the flagged
// line.
func selectUnderlyingCode(e *editor, slot causeofdeath.Slot, code string) error {
	cert, err := e.certificate()
	if err != nil {
		return err
	}
	if e.mode() != causeofdeath.ModeManual {
		return ErrManualModeRequired
	}
	if !cert.Underlying(slot) {
		return ErrNotUnderlying
	}
	if _, ok := cert.Lookup(slot, code); !ok {
		return fmt.Errorf("%w: %s", causeofdeath.ErrUnknownCode, code)
	}
	e.setResult(code)
	return nil
}
