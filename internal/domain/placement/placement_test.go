package placement

import (
	"testing"
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

var (
	testNow = time.Date(2029, 10, 1, 12, 0, 0, 0, time.UTC)
	london  *time.Location
)

func init() {
	var err error
	london, err = time.LoadLocation("Europe/London")
	if err != nil {
		panic(err)
	}
}

func inPost(start *time.Time) tis.Placement {
	return tis.Placement{
		TisID:         "pl-3",
		PersonID:      "p-9",
		PlacementType: "In Post",
		Site:          "Royal Berkshire Hospital",
		SiteLocation:  "Reading",
		Specialty:     "General Practice",
		Owner:         "Thames Valley",
		StartDate:     start,
	}
}

func TestIsExcluded(t *testing.T) {
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, london)
	past := time.Date(2029, 9, 1, 0, 0, 0, 0, london)

	cases := []struct {
		name          string
		placementType string
		start         *time.Time
		want          bool
	}{
		{"in post", "In Post", &future, false},
		{"acting up", "In post - Acting up", &future, false},
		{"extension", "In Post - Extension", &future, false},
		{"padded type", "  in post  ", &future, false},
		{"out of programme", "OOP", &future, true},
		{"parental leave", "Parental Leave", &future, true},
		{"no start date", "In Post", nil, true},
		{"already started", "In Post", &past, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pl := inPost(tc.start)
			pl.PlacementType = tc.placementType
			if got := IsExcluded(pl, testNow, london); got != tc.want {
				t.Errorf("IsExcluded = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReconcile_Week12FireTime(t *testing.T) {
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := Reconcile(inPost(&start), testNow, london)

	if len(rec.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(rec.Plans))
	}
	plan := rec.Plans[0]
	if plan.Type != notify.TypePlacementWeek12 {
		t.Errorf("unexpected type %s", plan.Type)
	}
	if want := time.Date(2029, 10, 9, 0, 0, 0, 0, london); !plan.FireAt.Equal(want) {
		t.Errorf("fires at %v, want %v", plan.FireAt, want)
	}
	if rec.Ref != (tis.Reference{Type: tis.RefTypePlacement, ID: "pl-3"}) {
		t.Errorf("unexpected reference %+v", rec.Ref)
	}
}

func TestReconcile_MissedMilestoneFiresImmediately(t *testing.T) {
	// Starting next week: the week-12 point is long past, but the trainee
	// still needs the notification.
	start := time.Date(2029, 10, 8, 0, 0, 0, 0, time.UTC)
	rec := Reconcile(inPost(&start), testNow, london)

	if len(rec.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(rec.Plans))
	}
	if !rec.Plans[0].FireAt.IsZero() {
		t.Errorf("expected an immediate plan, got fire at %v", rec.Plans[0].FireAt)
	}
}

func TestVariables(t *testing.T) {
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	vars := Variables(inPost(&start))

	if vars["site"] != "Royal Berkshire Hospital" || vars["siteLocation"] != "Reading" {
		t.Errorf("unexpected site variables: %v", vars)
	}
	if vars["specialty"] != "General Practice" || vars["localOffice"] != "Thames Valley" {
		t.Errorf("unexpected variables: %v", vars)
	}
}
