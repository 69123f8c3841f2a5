package deathform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/doris"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
	"github.com/crvs/deathform/internal/platform/metrics"
)

// errStaleResponse aborts the write of a coding service answer that no
// longer matches the case.
var errStaleResponse = errors.New("stale coding service response")

// Detector asks the coding service for the underlying cause.
type Detector interface {
	BaseURL() string
	Detect(ctx context.Context, u *url.URL) (*doris.Response, error)
}

// Service runs the form rules against a case store.
type Service struct {
	store   tracker.Store
	mapping *formmeta.Mapping
	catalog *formmeta.Catalog
	doris   Detector
	seq     *doris.Sequencer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService returns a Service. m may be nil.
func NewService(store tracker.Store, mapping *formmeta.Mapping, d Detector, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		mapping: mapping,
		catalog: mapping.Catalog(),
		doris:   d,
		seq:     doris.NewSequencer(),
		metrics: m,
		logger:  logger.With().Str("component", "deathform").Logger(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

func (s *Service) newEditor(c *tracker.Case) *editor {
	return &editor{m: s.mapping, catalog: s.catalog, c: c, logger: s.logger, now: s.now, newID: s.newID}
}

// edit loads a case, runs fn on it and commits the resulting writes in one
// batch. A rejected action commits nothing but still reports its notices.
func (s *Service) edit(ctx context.Context, tei string, fn func(e *editor) error) (*Update, error) {
	c, err := s.store.Get(ctx, tei)
	if err != nil {
		return nil, err
	}
	if c.Completed() {
		return nil, ErrEnrollmentCompleted
	}
	e := s.newEditor(c)
	if err := fn(e); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	s.recordNotices(e.notices)
	if e.rejected {
		return &Update{Notices: e.notices}, nil
	}
	clearHiddenSections(e)
	if e.err != nil {
		return nil, e.err
	}
	if len(e.changes) > 0 {
		if err := s.store.Apply(ctx, tei, e.changes); err != nil {
			return nil, fmt.Errorf("apply changes: %w", err)
		}
	}
	if e.codesChanged || touchesQuery(e) {
		if ev := e.existingEvent(); ev != nil {
			s.seq.Invalidate(ev.ID)
		}
	}
	return e.update(), nil
}

func (s *Service) recordNotices(notices []Notice) {
	for _, n := range notices {
		s.metrics.IncrementNotice(n.Field, n.Level)
	}
}

// checkUnlocked refuses edits of fields the form currently locks.
func checkUnlocked(e *editor, name string) error {
	st, err := evaluate(e)
	if err != nil {
		return err
	}
	if st.Disabled[name] {
		return fmt.Errorf("%w: %s", ErrFieldLocked, name)
	}
	return nil
}

// CreateCase opens a notification: tracked entity, active enrollment and
// the cause-of-death event. Initial attributes pass through the same rules
// as later edits, and an empty system id is generated.
func (s *Service) CreateCase(ctx context.Context, req CreateCaseRequest) (*CreateCaseResult, error) {
	tei := req.TrackedEntity
	if tei == "" {
		tei = s.newID()
	}
	c := &tracker.Case{
		TrackedEntity: tei,
		Attributes:    map[string]string{},
		Enrollment: tracker.Enrollment{
			ID:             s.newID(),
			Status:         tracker.StatusActive,
			EnrollmentDate: req.EnrollmentDate,
			IncidentDate:   req.IncidentDate,
		},
	}

	names := make([]string, 0, len(req.Attributes))
	for name := range req.Attributes {
		if s.mapping.Attribute(name) == "" {
			return nil, fmt.Errorf("%w: attribute %s", ErrUnknownField, name)
		}
		names = append(names, name)
	}
	// The identity type must be known before the number is read.
	sort.Slice(names, func(i, j int) bool {
		if pi, pj := createOrder(names[i]), createOrder(names[j]); pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	e := s.newEditor(c)
	e.event()
	for _, name := range names {
		s.editAttribute(e, name, req.Attributes[name])
		if e.rejected {
			s.recordNotices(e.notices)
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, e.notices[len(e.notices)-1].Message)
		}
	}
	if e.attr(formmeta.AttrSystemID) == "" {
		e.setAttr(formmeta.AttrSystemID, s.newID())
	}
	checkReportedDate(e)
	if e.err != nil {
		return nil, e.err
	}
	s.recordNotices(e.notices)

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	s.logger.Info().Str("tracked_entity", tei).Msg("notification case created")
	return &CreateCaseResult{Case: c, Notices: e.notices}, nil
}

func createOrder(name string) int {
	switch name {
	case formmeta.AttrIdentificationType, formmeta.AttrAgeUnit:
		return 0
	case formmeta.AttrDOB:
		return 2
	}
	return 1
}

// EditAttribute applies a profile attribute edit by semantic name.
func (s *Service) EditAttribute(ctx context.Context, tei, name, value string) (*Update, error) {
	if s.mapping.Attribute(name) == "" {
		return nil, fmt.Errorf("%w: attribute %s", ErrUnknownField, name)
	}
	return s.edit(ctx, tei, func(e *editor) error {
		if err := checkUnlocked(e, name); err != nil {
			return err
		}
		s.editAttribute(e, name, value)
		return nil
	})
}

// EditEnrollment applies an incident date or reported date edit.
func (s *Service) EditEnrollment(ctx context.Context, tei, field, value string) (*Update, error) {
	if field != tracker.FieldIncidentDate && field != tracker.FieldEnrollmentDate {
		return nil, fmt.Errorf("%w: enrollment %s", ErrUnknownField, field)
	}
	return s.edit(ctx, tei, func(e *editor) error {
		editEnrollment(e, field, value)
		return nil
	})
}

// EditStageValue applies a cause-of-death stage data value edit by
// semantic name. Code lines, flags and results have their own actions.
func (s *Service) EditStageValue(ctx context.Context, tei, name, value string) (*Update, error) {
	if s.mapping.DataElement(name) == "" {
		return nil, fmt.Errorf("%w: data element %s", ErrUnknownField, name)
	}
	if managedDataElements[name] {
		return nil, fmt.Errorf("%w: %s", ErrManagedField, name)
	}
	return s.edit(ctx, tei, func(e *editor) error {
		if err := checkUnlocked(e, name); err != nil {
			return err
		}
		return s.editStageValue(e, name, value)
	})
}

// AddCode appends an ICD-11 code to a cause-of-death line.
func (s *Service) AddCode(ctx context.Context, tei string, slot causeofdeath.Slot, code, foundationURI string) (*Update, error) {
	return s.edit(ctx, tei, func(e *editor) error {
		return addCode(e, slot, code, foundationURI)
	})
}

// RetainCodes keeps only the selected codes of a line.
func (s *Service) RetainCodes(ctx context.Context, tei string, slot causeofdeath.Slot, selected []string) (*Update, error) {
	return s.edit(ctx, tei, func(e *editor) error {
		return retainCodes(e, slot, selected)
	})
}

// SetIntervals records time-to-death intervals for codes of a line.
func (s *Service) SetIntervals(ctx context.Context, tei string, slot causeofdeath.Slot, intervals map[string]IntervalInput) (*Update, error) {
	return s.edit(ctx, tei, func(e *editor) error {
		return setIntervals(e, slot, intervals)
	})
}

// SetUnderlying checks or unchecks the manual underlying flag of a line.
func (s *Service) SetUnderlying(ctx context.Context, tei string, slot causeofdeath.Slot, checked bool) (*Update, error) {
	return s.edit(ctx, tei, func(e *editor) error {
		return s.setUnderlying(e, slot, checked)
	})
}

// SelectUnderlyingCode picks the manual result among a flagged line's codes.
func (s *Service) SelectUnderlyingCode(ctx context.Context, tei string, slot causeofdeath.Slot, code string) (*Update, error) {
	return s.edit(ctx, tei, func(e *editor) error {
		return selectUnderlyingCode(e, slot, code)
	})
}

// FormState derives the rendering state of a case without writing.
func (s *Service) FormState(ctx context.Context, tei string) (*FormState, error) {
	c, err := s.store.Get(ctx, tei)
	if err != nil {
		return nil, err
	}
	return evaluate(s.newEditor(c))
}

// ComputeUnderlying asks the coding service for the underlying cause and
// writes its answer. A failed call writes nothing and returns the
// *doris.Error. An answer is discarded when the certificate or the decedent
// details it was computed from changed while it was in flight.
func (s *Service) ComputeUnderlying(ctx context.Context, tei string) (*Update, error) {
	c, err := s.store.Get(ctx, tei)
	if err != nil {
		return nil, err
	}
	e := s.newEditor(c)
	cert, err := s.computable(e)
	if err != nil {
		s.metrics.ObserveDoris(metrics.OutcomeSkipped, 0)
		return nil, err
	}
	eventID := e.existingEvent().ID

	u, err := doris.BuildQuery(s.doris.BaseURL(), cert, queryContext(e))
	if err != nil {
		return nil, err
	}
	gen := s.seq.Begin(eventID)
	defer s.seq.Done(eventID)
	resp, err := s.doris.Detect(ctx, u)
	if err != nil {
		s.logger.Warn().Err(err).Str("tracked_entity", tei).Msg("DORIS request failed")
		return nil, err
	}

	upd, err := s.edit(ctx, tei, func(e *editor) error {
		if !s.seq.Current(eventID, gen) {
			return errStaleResponse
		}
		cert, err := s.computable(e)
		if err != nil {
			return err
		}
		// The answer only holds for the query that was sent.
		current, err := doris.BuildQuery(s.doris.BaseURL(), cert, queryContext(e))
		if err != nil {
			return err
		}
		if current.String() != u.String() {
			return errStaleResponse
		}
		out := doris.Interpret(resp, cert, s.catalog)
		if !out.Matched && out.Stem != "" {
			e.notice(formmeta.DEUnderlyingCOD, LevelWarning, fmt.Sprintf("stem code %s is not on the certificate", out.Stem))
		}
		e.setValues(out.Values)
		return nil
	})
	if errors.Is(err, errStaleResponse) {
		s.metrics.ObserveDoris(metrics.OutcomeStale, 0)
		s.logger.Info().Str("tracked_entity", tei).Msg("discarding stale DORIS response")
		return &Update{Discarded: true}, nil
	}
	return upd, err
}

// computable checks that the coding service may run for the case and
// returns its certificate.
func (s *Service) computable(e *editor) (*causeofdeath.Certificate, error) {
	if e.c.Completed() {
		return nil, ErrEnrollmentCompleted
	}
	if e.existingEvent() == nil {
		return nil, ErrNoCauses
	}
	if !e.mode().CanCompute() {
		return nil, ErrManualMode
	}
	cert, err := e.certificate()
	if err != nil {
		return nil, err
	}
	if cert.AllEmpty() {
		return nil, ErrNoCauses
	}
	return cert, nil
}

func queryContext(e *editor) doris.Context {
	qc := doris.Context{
		Sex:          e.attr(formmeta.AttrSex),
		FemaleCode:   e.m.FemaleCode,
		Age:          e.attr(formmeta.AttrAge),
		EstimatedAge: e.attr(formmeta.AttrEstimatedAge),
		AgeUnit:      e.attr(formmeta.AttrAgeUnit),
		DateOfBirth:  e.attr(formmeta.AttrDOB),
		DateOfDeath:  e.c.Enrollment.EnrollmentDate,
		Clinical:     map[string]string{},
	}
	for _, name := range doris.ClinicalDataElements() {
		qc.Clinical[name] = e.value(name)
	}
	return qc
}

// touchesQuery reports whether e wrote a field sent to the coding service.
func touchesQuery(e *editor) bool {
	attrs := map[string]bool{}
	for _, name := range []string{
		formmeta.AttrSex, formmeta.AttrAge, formmeta.AttrEstimatedAge, formmeta.AttrAgeUnit, formmeta.AttrDOB,
	} {
		if id := e.m.Attribute(name); id != "" {
			attrs[id] = true
		}
	}
	values := map[string]bool{}
	for _, name := range doris.ClinicalDataElements() {
		if id := e.m.DataElement(name); id != "" {
			values[id] = true
		}
	}
	for _, ch := range e.changes {
		switch ch.Kind {
		case tracker.KindAttribute:
			if attrs[ch.Field] {
				return true
			}
		case tracker.KindEnrollment:
			if ch.Field == tracker.FieldEnrollmentDate {
				return true
			}
		case tracker.KindDataValue:
			if values[ch.Field] {
				return true
			}
		}
	}
	return false
}

// IsCodingError reports whether err came from the coding service.
func IsCodingError(err error) bool {
	var derr *doris.Error
	return errors.As(err, &derr)
}
