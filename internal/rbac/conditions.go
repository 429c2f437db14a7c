package rbac

import (
	"net"
	"strings"
	"time"
)

// ConditionType enumerates the attribute constraints a grant may carry.
type ConditionType string

// Supported condition types.
const (
	ConditionDepartment ConditionType = "department"
	ConditionTimeWindow ConditionType = "time_window"
	ConditionIPRange    ConditionType = "ip_range"
	ConditionSemester   ConditionType = "semester"
)

// Condition narrows when a permission or assignment applies.
type Condition struct {
	Type ConditionType `json:"type"`
	// Values holds the accepted departments, semesters or CIDR ranges.
	Values []string `json:"values,omitempty"`
	// NotBefore/NotAfter bound time_window conditions.
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
}

// RequestContext carries the attributes conditions are evaluated against.
type RequestContext struct {
	Department string
	Semester   string
	IP         string
	Now        time.Time
}

// EvaluateConditions reports whether every condition holds for the context.
// Policy decision: deny wins. A failing condition removes the grant it is
// attached to, and unknown condition types fail closed.
func EvaluateConditions(conds []Condition, reqCtx RequestContext) bool {
	for _, c := range conds {
		if !evaluateCondition(c, reqCtx) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, reqCtx RequestContext) bool {
	switch c.Type {
	case ConditionDepartment:
		return containsFold(c.Values, reqCtx.Department)
	case ConditionSemester:
		return containsFold(c.Values, reqCtx.Semester)
	case ConditionTimeWindow:
		now := reqCtx.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		if c.NotBefore != nil && now.Before(*c.NotBefore) {
			return false
		}
		if c.NotAfter != nil && now.After(*c.NotAfter) {
			return false
		}
		return true
	case ConditionIPRange:
		return ipInRanges(c.Values, reqCtx.IP)
	default:
		return false
	}
}

func containsFold(values []string, want string) bool {
	if want == "" {
		return false
	}
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func ipInRanges(ranges []string, raw string) bool {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return false
	}
	for _, r := range ranges {
		if _, cidr, err := net.ParseCIDR(strings.TrimSpace(r)); err == nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if exact := net.ParseIP(strings.TrimSpace(r)); exact != nil && exact.Equal(ip) {
			return true
		}
	}
	return false
}
