package deathform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/doris"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
)

type fakeDetector struct {
	resp    *doris.Response
	err     error
	calls   int
	lastURL *url.URL
	during  func()
}

func (f *fakeDetector) BaseURL() string { return doris.DefaultBaseURL }

func (f *fakeDetector) Detect(_ context.Context, u *url.URL) (*doris.Response, error) {
	f.calls++
	f.lastURL = u
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func testMapping() *formmeta.Mapping {
	m := formmeta.Identity()
	m.ICD11Options = []formmeta.Option{
		{Code: "MG50", Name: "Sepsis", AttributeValues: []formmeta.AttributeValue{
			{Attribute: formmeta.OptionChapter, Value: "21"},
			{Attribute: formmeta.OptionGroup, Value: "Symptoms"},
		}},
		{Code: "XYZ1", Name: "Other condition"},
		{Code: "BA00", Name: "Essential hypertension"},
	}
	return m
}

func newTestService(t *testing.T, attrs map[string]string) (*Service, *fakeDetector) {
	t.Helper()
	det := &fakeDetector{resp: &doris.Response{StemCode: "MG50", Report: "selected by rule SP3"}}
	svc := NewService(tracker.NewMemoryStore(), testMapping(), det, nil, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) }
	n := 0
	svc.newID = func() string {
		n++
		return fmt.Sprintf("id%d", n)
	}
	if attrs == nil {
		attrs = map[string]string{formmeta.AttrSex: "M"}
	}
	_, err := svc.CreateCase(context.Background(), CreateCaseRequest{
		TrackedEntity:  "tei1",
		EnrollmentDate: "2020-06-20",
		IncidentDate:   "2020-06-15",
		Attributes:     attrs,
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return svc, det
}

func loadCase(t *testing.T, svc *Service) *tracker.Case {
	t.Helper()
	c, err := svc.store.Get(context.Background(), "tei1")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func attrValue(t *testing.T, svc *Service, name string) string {
	t.Helper()
	return loadCase(t, svc).Attribute(svc.mapping.Attribute(name))
}

func stageValue(t *testing.T, svc *Service, name string) string {
	t.Helper()
	ev := loadCase(t, svc).StageEvent(svc.mapping.ProgramStage)
	if ev == nil {
		return ""
	}
	return ev.DataValues[svc.mapping.DataElement(name)]
}

// mustUpdate fails the test when an edit returns an error.
func mustUpdate(t *testing.T) func(*Update, error) *Update {
	t.Helper()
	return func(u *Update, err error) *Update {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return u
	}
}

func hasNotice(u *Update, msg string) bool {
	for _, n := range u.Notices {
		if n.Message == msg {
			return true
		}
	}
	return false
}

// addCodes puts MG50 and XYZ1 on line A and BA00 on line B.
func addCodes(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotA, "MG50", "http://id.who.int/icd/entity/1001"))
	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotA, "XYZ1", "http://id.who.int/icd/entity/1002"))
	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotB, "BA00", "http://id.who.int/icd/entity/2001"))
}

func TestCreateCase_BootstrapsStageEvent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	c := loadCase(t, svc)

	ev := c.StageEvent(svc.mapping.ProgramStage)
	if ev == nil {
		t.Fatal("expected the cause of death event")
	}
	if ev.EventDate != "2020-06-15" || ev.DueDate != "2020-06-15" {
		t.Errorf("event not dated on the incident date: %+v", ev)
	}
	if ev.IsDirty {
		t.Error("new event must be clean")
	}
	if c.Enrollment.Status != tracker.StatusActive {
		t.Errorf("expected ACTIVE, got %s", c.Enrollment.Status)
	}
	if c.Attribute(formmeta.AttrSystemID) == "" {
		t.Error("expected a generated system id")
	}
}

func TestCreateCase_UnknownAttribute(t *testing.T) {
	svc := NewService(tracker.NewMemoryStore(), testMapping(), &fakeDetector{}, nil, zerolog.Nop())
	_, err := svc.CreateCase(context.Background(), CreateCaseRequest{Attributes: map[string]string{"shoe_size": "9"}})
	if !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestCreateCase_DerivesFromNationalID(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		formmeta.AttrSAIDNumber:         "9001015800086",
		formmeta.AttrIdentificationType: nationalIDType,
	})
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "1990-01-01" {
		t.Errorf("expected dob 1990-01-01, got %q", got)
	}
}

const nationalIDType = "ID_TYPE_SA"

func TestEditAttribute_NationalIDDerivesDOBAndAge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrIdentificationType, nationalIDType))

	u := mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrSAIDNumber, "900101 5800 086"))
	if len(u.Changes) == 0 {
		t.Fatal("expected changes")
	}
	if got := attrValue(t, svc, formmeta.AttrSAIDNumber); got != "9001015800086" {
		t.Errorf("expected sanitised id, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "1990-01-01" {
		t.Errorf("expected dob 1990-01-01, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrAge); got != "35" {
		t.Errorf("expected age 35, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrAgeUnit); got != "P_YD" {
		t.Errorf("expected unit P_YD, got %q", got)
	}
}

func TestEditAttribute_NationalIDInvalidDate(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{formmeta.AttrIdentificationType: nationalIDType})

	u := mustUpdate(t)(svc.EditAttribute(context.Background(), "tei1", formmeta.AttrSAIDNumber, "9013015800086"))
	if len(u.Changes) != 1 {
		t.Errorf("expected only the id write, got %+v", u.Changes)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "" {
		t.Errorf("dob must stay empty, got %q", got)
	}
}

func TestEditAttribute_NationalIDTooLong(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{formmeta.AttrIdentificationType: nationalIDType})

	u := mustUpdate(t)(svc.EditAttribute(context.Background(), "tei1", formmeta.AttrSAIDNumber, "90010158000861"))
	if len(u.Changes) != 0 {
		t.Errorf("expected no changes, got %+v", u.Changes)
	}
}

func TestEditAttribute_DOBDerivesDays(t *testing.T) {
	svc, _ := newTestService(t, nil)

	mustUpdate(t)(svc.EditAttribute(context.Background(), "tei1", formmeta.AttrDOB, "2020-06-01"))
	if got := attrValue(t, svc, formmeta.AttrAge); got != "0" {
		t.Errorf("expected age 0, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrEstimatedAge); got != "14" {
		t.Errorf("expected estimated age 14, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrAgeUnit); got != "P_D" {
		t.Errorf("expected unit P_D, got %q", got)
	}
}

func TestEditAttribute_DOBAfterIncidentIsRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)

	u := mustUpdate(t)(svc.EditAttribute(context.Background(), "tei1", formmeta.AttrDOB, "2020-07-01"))
	if len(u.Changes) != 0 {
		t.Errorf("rejected edit must not write, got %+v", u.Changes)
	}
	if !hasNotice(u, "Age can't be negative number") {
		t.Errorf("expected negative age notice, got %+v", u.Notices)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "" {
		t.Errorf("dob must not be stored, got %q", got)
	}
}

func TestEditAttribute_EstimatedAge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "3"); !errors.Is(err, ErrFieldLocked) {
		t.Fatalf("estimated age is locked until the dob is marked estimated, got %v", err)
	}
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedDOB, "true"))
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrAgeUnit, "P_M"))
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "3"))

	if got := attrValue(t, svc, formmeta.AttrAge); got != "0" {
		t.Errorf("expected age 0, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "2020-03-15" {
		t.Errorf("expected dob 2020-03-15, got %q", got)
	}

	u := mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "0"))
	if len(u.Changes) != 0 {
		t.Errorf("zero estimate must not write, got %+v", u.Changes)
	}

	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrAgeUnit, "P_YD"))
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "2017-06-15" {
		t.Errorf("expected dob 2017-06-15 after unit change, got %q", got)
	}

	u = mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "151"))
	if len(u.Changes) != 0 || !hasNotice(u, "Age can't be greater than 150") {
		t.Errorf("expected rejection, got %+v", u)
	}
	if got := attrValue(t, svc, formmeta.AttrEstimatedAge); got != "3" {
		t.Errorf("estimated age must be unchanged, got %q", got)
	}
}

func TestEditAttribute_EstimatedMonthsOutOfRange(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedDOB, "true"))
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrAgeUnit, "P_M"))

	u := mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "2000"))
	if len(u.Changes) != 0 || !hasNotice(u, "Age can't be greater than 150") {
		t.Errorf("expected rejection, got %+v", u)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "" {
		t.Errorf("dob must not be stored, got %q", got)
	}

	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrEstimatedAge, "30"))
	if got := attrValue(t, svc, formmeta.AttrAge); got != "2" {
		t.Errorf("expected age 2, got %q", got)
	}
	if got := attrValue(t, svc, formmeta.AttrDOB); got != "2017-12-15" {
		t.Errorf("expected dob 2017-12-15, got %q", got)
	}
}

func TestEditAttribute_Errors(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.EditAttribute(ctx, "tei1", formmeta.AttrSystemID, "X"); !errors.Is(err, ErrFieldLocked) {
		t.Errorf("expected ErrFieldLocked, got %v", err)
	}
	if _, err := svc.EditAttribute(ctx, "tei1", "shoe_size", "9"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
	if _, err := svc.EditAttribute(ctx, "missing", formmeta.AttrSex, "F"); !errors.Is(err, tracker.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEditEnrollment_IncidentDateCascade(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrDOB, "2020-06-01"))

	u := mustUpdate(t)(svc.EditEnrollment(ctx, "tei1", tracker.FieldIncidentDate, "2021-06-01"))
	if !hasNotice(u, msgReportedDate) {
		t.Errorf("expected reported date notice, got %+v", u.Notices)
	}

	c := loadCase(t, svc)
	if c.Enrollment.IncidentDate != "2021-06-01" {
		t.Errorf("incident date not stored: %q", c.Enrollment.IncidentDate)
	}
	ev := c.StageEvent(svc.mapping.ProgramStage)
	if ev.EventDate != "2021-06-01" || ev.DueDate != "2021-06-01" {
		t.Errorf("event not re-dated: %+v", ev)
	}
	if got := c.Attribute(formmeta.AttrAge); got != "1" {
		t.Errorf("expected age 1, got %q", got)
	}
	if got := c.Attribute(formmeta.AttrAgeUnit); got != "P_YD" {
		t.Errorf("expected unit P_YD, got %q", got)
	}
}

func TestEditEnrollment_UnknownField(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.EditEnrollment(context.Background(), "tei1", "status", "COMPLETED"); !errors.Is(err, ErrUnknownField) {
		t.Errorf("expected ErrUnknownField, got %v", err)
	}
}

func TestCompletedEnrollmentIsReadOnly(t *testing.T) {
	svc, det := newTestService(t, nil)
	ctx := context.Background()
	addCodes(t, svc)
	err := svc.store.Apply(ctx, "tei1", tracker.Changes{
		{Kind: tracker.KindEnrollment, Field: tracker.FieldStatus, Value: tracker.StatusCompleted},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.EditAttribute(ctx, "tei1", formmeta.AttrSex, "F"); !errors.Is(err, ErrEnrollmentCompleted) {
		t.Errorf("expected ErrEnrollmentCompleted, got %v", err)
	}
	if _, err := svc.AddCode(ctx, "tei1", causeofdeath.SlotC, "QA00", ""); !errors.Is(err, ErrEnrollmentCompleted) {
		t.Errorf("expected ErrEnrollmentCompleted, got %v", err)
	}
	if _, err := svc.ComputeUnderlying(ctx, "tei1"); !errors.Is(err, ErrEnrollmentCompleted) {
		t.Errorf("expected ErrEnrollmentCompleted, got %v", err)
	}
	if det.calls != 0 {
		t.Error("coding service must not be called")
	}

	st, err := svc.FormState(ctx, "tei1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Completed || st.CanCompute {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestAddCode_StoresEntry(t *testing.T) {
	svc, _ := newTestService(t, nil)
	addCodes(t, svc)

	if got := stageValue(t, svc, "codA"); got != "MG50,XYZ1" {
		t.Errorf("unexpected codA %q", got)
	}
	if got := stageValue(t, svc, "codA_entityId"); got != "1001,1002" {
		t.Errorf("unexpected entity ids %q", got)
	}
	if got := stageValue(t, svc, formmeta.DEProcessedBy); got != "DORIS" {
		t.Errorf("expected processed by DORIS, got %q", got)
	}

	_, err := svc.AddCode(context.Background(), "tei1", causeofdeath.SlotA, "MG50", "")
	if !errors.Is(err, causeofdeath.ErrDuplicateCode) {
		t.Errorf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestComputeUnderlying_MarksStemLine(t *testing.T) {
	svc, det := newTestService(t, nil)
	addCodes(t, svc)

	u := mustUpdate(t)(svc.ComputeUnderlying(context.Background(), "tei1"))
	if u.Discarded {
		t.Fatal("response should not be discarded")
	}
	if got := det.lastURL.Query().Get("causeOfDeathCodeA"); got != "MG50,XYZ1" {
		t.Errorf("unexpected query codes %q", got)
	}
	for _, s := range causeofdeath.Slots {
		want := "false"
		if s == causeofdeath.SlotA {
			want = "true"
		}
		if got := stageValue(t, svc, s.UnderlyingField()); got != want {
			t.Errorf("%s = %q, want %q", s.UnderlyingField(), got, want)
		}
	}
	checks := map[string]string{
		formmeta.DEProcessedBy:          "DORIS",
		formmeta.DEUnderlyingCOD:        "MG50",
		formmeta.DEUnderlyingCODChapter: "21",
		formmeta.DEUnderlyingCODGroup:   "Symptoms",
		formmeta.DEUnderlyingCODReport:  "selected by rule SP3",
		formmeta.DEUnderlyingCODDORIS:   "MG50",
	}
	for name, want := range checks {
		if got := stageValue(t, svc, name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}

	again := mustUpdate(t)(svc.ComputeUnderlying(context.Background(), "tei1"))
	if len(again.Changes) != 0 {
		t.Errorf("identical response must not write again, got %+v", again.Changes)
	}
}

func TestComputeUnderlying_EmptyStemWritesWarning(t *testing.T) {
	svc, det := newTestService(t, nil)
	addCodes(t, svc)
	det.resp = &doris.Response{Warning: "ill-defined certificate"}

	u := mustUpdate(t)(svc.ComputeUnderlying(context.Background(), "tei1"))
	if len(u.Changes) != 1 {
		t.Errorf("expected only the warning write, got %+v", u.Changes)
	}
	if got := stageValue(t, svc, formmeta.DEUnderlyingCODWarning); got != "ill-defined certificate" {
		t.Errorf("unexpected warning %q", got)
	}
	if got := stageValue(t, svc, "codA_underlying"); got == "true" {
		t.Error("no line may be flagged")
	}
}

func TestComputeUnderlying_TransportError(t *testing.T) {
	svc, det := newTestService(t, nil)
	addCodes(t, svc)
	det.err = &doris.Error{Category: doris.ErrorOutage, StatusCode: 503, Message: "unexpected status 503"}

	_, err := svc.ComputeUnderlying(context.Background(), "tei1")
	if !IsCodingError(err) {
		t.Fatalf("expected coding service error, got %v", err)
	}
	if got := stageValue(t, svc, formmeta.DEUnderlyingCODWarning); got != "" {
		t.Errorf("failed call must not write a warning, got %q", got)
	}
}

func TestComputeUnderlying_Refusals(t *testing.T) {
	svc, det := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.ComputeUnderlying(ctx, "tei1"); !errors.Is(err, ErrNoCauses) {
		t.Errorf("expected ErrNoCauses, got %v", err)
	}

	addCodes(t, svc)
	mustUpdate(t)(svc.ComputeUnderlying(ctx, "tei1"))
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "Manual"))
	if _, err := svc.ComputeUnderlying(ctx, "tei1"); !errors.Is(err, ErrManualMode) {
		t.Errorf("expected ErrManualMode, got %v", err)
	}
	if det.calls != 1 {
		t.Errorf("expected one coding service call, got %d", det.calls)
	}
}

func TestComputeUnderlying_DiscardsStaleResponse(t *testing.T) {
	svc, det := newTestService(t, nil)
	ctx := context.Background()
	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotA, "MG50", ""))
	det.during = func() {
		if _, err := svc.AddCode(ctx, "tei1", causeofdeath.SlotB, "BA00", ""); err != nil {
			t.Errorf("edit during request: %v", err)
		}
	}

	u := mustUpdate(t)(svc.ComputeUnderlying(ctx, "tei1"))
	if !u.Discarded || len(u.Changes) != 0 {
		t.Errorf("expected discarded update, got %+v", u)
	}
	if got := stageValue(t, svc, "codA_underlying"); got == "true" {
		t.Error("stale response must not flag a line")
	}
	if got := stageValue(t, svc, "codB"); got != "BA00" {
		t.Errorf("concurrent edit lost: %q", got)
	}
}

func TestComputeUnderlying_DiscardsAfterQueryFieldEdit(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(svc *Service) error
		discard bool
	}{
		{"sex edited through the form", func(svc *Service) error {
			_, err := svc.EditAttribute(context.Background(), "tei1", formmeta.AttrSex, "F")
			return err
		}, true},
		{"date of death edited through the form", func(svc *Service) error {
			_, err := svc.EditEnrollment(context.Background(), "tei1", tracker.FieldEnrollmentDate, "2020-06-21")
			return err
		}, true},
		{"clinical value edited through the form", func(svc *Service) error {
			_, err := svc.EditStageValue(context.Background(), "tei1", formmeta.DESurgery, "true")
			return err
		}, true},
		{"sex written by another writer", func(svc *Service) error {
			return svc.store.Apply(context.Background(), "tei1", tracker.Changes{
				{Kind: tracker.KindAttribute, Field: svc.mapping.Attribute(formmeta.AttrSex), Value: "F"},
			})
		}, true},
		{"unrelated attribute", func(svc *Service) error {
			_, err := svc.EditAttribute(context.Background(), "tei1", formmeta.AttrPlaceOfDeath, "PLACE_DEATH_HOSPITAL")
			return err
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, det := newTestService(t, nil)
			addCodes(t, svc)
			det.during = func() {
				if err := tt.edit(svc); err != nil {
					t.Errorf("edit during request: %v", err)
				}
			}

			u := mustUpdate(t)(svc.ComputeUnderlying(context.Background(), "tei1"))
			if u.Discarded != tt.discard {
				t.Fatalf("discarded = %v, want %v", u.Discarded, tt.discard)
			}
			flagged := stageValue(t, svc, "codA_underlying") == "true"
			if flagged == tt.discard {
				t.Errorf("line A flagged = %v after discarded = %v", flagged, u.Discarded)
			}
			if svc.seq.Len() != 0 {
				t.Errorf("finished request still tracked: %d", svc.seq.Len())
			}
		})
	}
}

func TestComputeUnderlying_ForgetsFinishedRequests(t *testing.T) {
	svc, det := newTestService(t, nil)
	addCodes(t, svc)

	mustUpdate(t)(svc.ComputeUnderlying(context.Background(), "tei1"))
	det.err = &doris.Error{Category: doris.ErrorTimeout, Message: "timeout"}
	if _, err := svc.ComputeUnderlying(context.Background(), "tei1"); !IsCodingError(err) {
		t.Fatalf("expected coding service error, got %v", err)
	}
	if svc.seq.Len() != 0 {
		t.Errorf("expected no tracked requests, got %d", svc.seq.Len())
	}
}

func TestLegacyMisalignedLineStaysEditable(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	var logs bytes.Buffer
	svc.logger = zerolog.New(&logs)

	ev := loadCase(t, svc).StageEvent(svc.mapping.ProgramStage)
	err := svc.store.Apply(ctx, "tei1", tracker.Changes{
		{Kind: tracker.KindDataValue, Event: ev.ID, Field: svc.mapping.DataElement("codA_entityId"), Value: "1001"},
	})
	if err != nil {
		t.Fatal(err)
	}

	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrSex, "F"))
	st, err := svc.FormState(ctx, "tei1")
	if err != nil {
		t.Fatalf("form state: %v", err)
	}
	if len(st.Slots[0].Entries) != 0 {
		t.Errorf("orphan entity id must not become an entry: %+v", st.Slots[0].Entries)
	}
	if !strings.Contains(logs.String(), "repaired misaligned cause-of-death line") {
		t.Errorf("expected a repair warning, got %q", logs.String())
	}

	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotA, "MG50", "http://id.who.int/icd/entity/3003"))
	if got := stageValue(t, svc, "codA"); got != "MG50" {
		t.Errorf("unexpected codA %q", got)
	}
	if got := stageValue(t, svc, "codA_entityId"); got != "3003" {
		t.Errorf("expected realigned entity ids, got %q", got)
	}
}

func TestManualUnderlyingSelection(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	addCodes(t, svc)

	if _, err := svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotB, true); !errors.Is(err, ErrManualModeRequired) {
		t.Fatalf("expected ErrManualModeRequired, got %v", err)
	}
	if _, err := svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "Manual"); !errors.Is(err, ErrFieldLocked) {
		t.Fatalf("processed by is locked without a result, got %v", err)
	}

	mustUpdate(t)(svc.ComputeUnderlying(ctx, "tei1"))
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "Manual"))
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEManualReason, "clinical judgement"))

	if _, err := svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotB, true); !errors.Is(err, ErrUnderlyingLocked) {
		t.Fatalf("expected ErrUnderlyingLocked, got %v", err)
	}

	mustUpdate(t)(svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotA, false))
	if got := stageValue(t, svc, formmeta.DEUnderlyingCOD); got != "" {
		t.Errorf("unchecking must clear the result, got %q", got)
	}

	mustUpdate(t)(svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotB, true))
	if got := stageValue(t, svc, formmeta.DEUnderlyingCODCode); got != "BA00" {
		t.Errorf("single code line should select BA00, got %q", got)
	}
	if got := stageValue(t, svc, "codB_underlying"); got != "true" {
		t.Errorf("expected line B flagged, got %q", got)
	}

	mustUpdate(t)(svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotB, false))
	u := mustUpdate(t)(svc.SetUnderlying(ctx, "tei1", causeofdeath.SlotA, true))
	if len(u.Selections) != 2 {
		t.Fatalf("expected two selections, got %+v", u.Selections)
	}
	if u.Selections[0].Value != "MG50" || u.Selections[0].Label != "MG50 - Sepsis" {
		t.Errorf("unexpected selection %+v", u.Selections[0])
	}

	if _, err := svc.SelectUnderlyingCode(ctx, "tei1", causeofdeath.SlotA, "BA00"); !errors.Is(err, causeofdeath.ErrUnknownCode) {
		t.Errorf("expected ErrUnknownCode, got %v", err)
	}
	mustUpdate(t)(svc.SelectUnderlyingCode(ctx, "tei1", causeofdeath.SlotA, "XYZ1"))
	if got := stageValue(t, svc, formmeta.DEUnderlyingCODCode); got != "XYZ1" {
		t.Errorf("expected XYZ1, got %q", got)
	}
	if got := stageValue(t, svc, formmeta.DEProcessedBy); got != "Manual" {
		t.Errorf("expected Manual, got %q", got)
	}

	flagged := 0
	for _, s := range causeofdeath.Slots {
		if stageValue(t, svc, s.UnderlyingField()) == "true" {
			flagged++
		}
	}
	if flagged != 1 {
		t.Errorf("expected exactly one flagged line, got %d", flagged)
	}
}

func TestEditStageValue_ProcessedByDORISClearsReason(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	addCodes(t, svc)
	mustUpdate(t)(svc.ComputeUnderlying(ctx, "tei1"))
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "Manual"))
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEManualReason, "clinical judgement"))

	if _, err := svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "Robot"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue, got %v", err)
	}
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEProcessedBy, "DORIS"))
	if got := stageValue(t, svc, formmeta.DEManualReason); got != "" {
		t.Errorf("reason must be cleared, got %q", got)
	}
}

func TestEditStageValue_ManagedField(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.EditStageValue(context.Background(), "tei1", "codA", "MG50"); !errors.Is(err, ErrManagedField) {
		t.Errorf("expected ErrManagedField, got %v", err)
	}
}

func TestEditStageValue_MotherNationalID(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEMotherIdentificationType, nationalIDType))

	u := mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEMotherIdentityNumber, "85010"))
	if len(u.Changes) != 1 {
		t.Errorf("incomplete id writes only itself, got %+v", u.Changes)
	}

	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEMotherIdentityNumber, "8501015800084"))
	if got := stageValue(t, svc, formmeta.DEMotherDOB); got != "1985-01-01" {
		t.Errorf("expected mother dob 1985-01-01, got %q", got)
	}
	if got := stageValue(t, svc, formmeta.DEMotherAge); got != "40" {
		t.Errorf("expected mother age 40, got %q", got)
	}

	st, err := svc.FormState(ctx, "tei1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Disabled[formmeta.DEMotherDOB] || !st.Disabled[formmeta.DEMotherAge] {
		t.Errorf("mother dob and age should be locked: %v", st.Disabled)
	}
	if _, err := svc.EditStageValue(ctx, "tei1", formmeta.DEMotherAge, "41"); !errors.Is(err, ErrFieldLocked) {
		t.Errorf("expected ErrFieldLocked, got %v", err)
	}
}

func TestSectionVisibility_ClearsHiddenMaternalSection(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{formmeta.AttrSex: "F", formmeta.AttrAge: "30"})
	ctx := context.Background()

	st, err := svc.FormState(ctx, "tei1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Sections["maternal"] || st.Sections["fetal"] {
		t.Errorf("unexpected sections %v", st.Sections)
	}

	mustUpdate(t)(svc.EditStageValue(ctx, "tei1", formmeta.DEPregnancyInLastYear, "true"))
	mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrSex, "M"))

	if got := stageValue(t, svc, formmeta.DEPregnancyInLastYear); got != "" {
		t.Errorf("hidden section value must be cleared, got %q", got)
	}
	if ev := loadCase(t, svc).StageEvent(svc.mapping.ProgramStage); ev.IsDirty {
		t.Error("clearing a hidden section leaves the event clean")
	}
}

func TestFormState_Gating(t *testing.T) {
	svc, _ := newTestService(t, map[string]string{
		formmeta.AttrSex:                "M",
		formmeta.AttrIdentificationType: "ID_TYPE_PASSPORT",
	})
	ctx := context.Background()
	mustUpdate(t)(svc.AddCode(ctx, "tei1", causeofdeath.SlotA, "MG50", ""))

	st, err := svc.FormState(ctx, "tei1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode != causeofdeath.ModeAutomatic || !st.CanCompute {
		t.Errorf("expected automatic mode ready to compute, got %+v", st)
	}
	if !st.Slots[0].CheckboxDisabled {
		t.Error("checkboxes are locked in automatic mode")
	}
	if !st.Disabled[formmeta.DEManualReason] || !st.Disabled[formmeta.DEProcessedBy] {
		t.Errorf("unexpected disabled set %v", st.Disabled)
	}
	if st.Visible[formmeta.AttrSAIDNumber] || !st.Visible[formmeta.AttrPassportNumber] {
		t.Errorf("unexpected id field visibility %v", st.Visible)
	}
	if len(st.Slots) != len(causeofdeath.Slots) || len(st.Slots[0].Entries) != 1 {
		t.Errorf("unexpected slots %+v", st.Slots)
	}
}

func TestUpdateChangesUseStoreIDs(t *testing.T) {
	m := testMapping()
	m.Attributes[formmeta.AttrSex] = "aSexAttr01"
	svc := NewService(tracker.NewMemoryStore(), m, &fakeDetector{}, nil, zerolog.Nop())
	ctx := context.Background()
	if _, err := svc.CreateCase(ctx, CreateCaseRequest{TrackedEntity: "tei1", IncidentDate: "2020-06-15"}); err != nil {
		t.Fatal(err)
	}

	u := mustUpdate(t)(svc.EditAttribute(ctx, "tei1", formmeta.AttrSex, "F"))
	if len(u.Changes) != 1 || u.Changes[0].Field != "aSexAttr01" {
		t.Errorf("expected write keyed by store id, got %+v", u.Changes)
	}
}
