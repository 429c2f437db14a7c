package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvaluateDepartmentCondition(t *testing.T) {
	cond := Condition{Type: ConditionDepartment, Values: []string{"computer-science", "mathematics"}}

	require.True(t, EvaluateConditions([]Condition{cond}, RequestContext{Department: "computer-science"}))
	require.True(t, EvaluateConditions([]Condition{cond}, RequestContext{Department: "Mathematics"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{Department: "economics"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{}))
}

func TestEvaluateSemesterCondition(t *testing.T) {
	cond := Condition{Type: ConditionSemester, Values: []string{"2026-fall"}}

	require.True(t, EvaluateConditions([]Condition{cond}, RequestContext{Semester: "2026-fall"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{Semester: "2027-spring"}))
}

func TestEvaluateTimeWindowCondition(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	cond := Condition{Type: ConditionTimeWindow, NotBefore: &start, NotAfter: &end}

	inside := RequestContext{Now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	before := RequestContext{Now: time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)}
	after := RequestContext{Now: time.Date(2027, 1, 15, 12, 0, 0, 0, time.UTC)}

	require.True(t, EvaluateConditions([]Condition{cond}, inside))
	require.False(t, EvaluateConditions([]Condition{cond}, before))
	require.False(t, EvaluateConditions([]Condition{cond}, after))

	openEnded := Condition{Type: ConditionTimeWindow, NotBefore: &start}
	require.True(t, EvaluateConditions([]Condition{openEnded}, after))
}

func TestEvaluateIPRangeCondition(t *testing.T) {
	cond := Condition{Type: ConditionIPRange, Values: []string{"10.0.0.0/8", "192.168.1.50"}}

	require.True(t, EvaluateConditions([]Condition{cond}, RequestContext{IP: "10.1.2.3"}))
	require.True(t, EvaluateConditions([]Condition{cond}, RequestContext{IP: "192.168.1.50"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{IP: "192.168.1.51"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{IP: "not-an-ip"}))
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{}))
}

func TestUnknownConditionFailsClosed(t *testing.T) {
	cond := Condition{Type: ConditionType("building"), Values: []string{"library"}}
	require.False(t, EvaluateConditions([]Condition{cond}, RequestContext{}))
}

func TestDenyWins(t *testing.T) {
	pass := Condition{Type: ConditionDepartment, Values: []string{"computer-science"}}
	fail := Condition{Type: ConditionSemester, Values: []string{"2026-fall"}}
	reqCtx := RequestContext{Department: "computer-science", Semester: "2027-spring"}

	require.True(t, EvaluateConditions([]Condition{pass}, reqCtx))
	require.False(t, EvaluateConditions([]Condition{pass, fail}, reqCtx))
	require.False(t, EvaluateConditions([]Condition{fail, pass}, reqCtx))
}

func TestNoConditionsAlwaysPass(t *testing.T) {
	require.True(t, EvaluateConditions(nil, RequestContext{}))
}
