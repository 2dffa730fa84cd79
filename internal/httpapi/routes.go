package httpapi

import (
	"net/http"
	"strings"

	"clinaxis.org/internal/policy"
)

// routePolicy maps one method+path pattern to the (resource, action) pair the
// permission engine must approve. Patterns use ":id" for a single wildcard
// segment. The table is consulted by middleware at request time; handlers
// never re-check authorization.
type routePolicy struct {
	method   string
	pattern  string
	resource string
	action   policy.Action
}

var routePolicies = []routePolicy{
	{http.MethodGet, "/v1/security/events", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodPost, "/v1/security/events/:id/resolve", policy.ResourceSecurity, policy.ActionUpdate},
	{http.MethodGet, "/v1/security/audit", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodGet, "/v1/security/stats", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodGet, "/v1/security/stream", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodGet, "/v1/admin/config", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodGet, "/v1/admin/config/:id", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodPut, "/v1/admin/config/:id", policy.ResourceSecurity, policy.ActionUpdate},
	{http.MethodPost, "/v1/admin/backups", policy.ResourceSecurity, policy.ActionCreate},
	{http.MethodGet, "/v1/admin/backups", policy.ResourceSecurity, policy.ActionRead},
	{http.MethodPost, "/v1/admin/backups/:id/restore", policy.ResourceSecurity, policy.ActionUpdate},
}

// lookupRoutePolicy finds the policy entry matching method and path.
func lookupRoutePolicy(method, path string) (routePolicy, bool) {
	for _, rp := range routePolicies {
		if rp.method == method && matchPattern(rp.pattern, path) {
			return rp, true
		}
	}
	return routePolicy{}, false
}

// resourceID extracts the ":id" segment value from a matched path.
func (rp routePolicy) resourceID(path string) string {
	want := splitPath(rp.pattern)
	got := splitPath(path)
	if len(want) != len(got) {
		return ""
	}
	for i, seg := range want {
		if seg == ":id" {
			return got[i]
		}
	}
	return ""
}

func matchPattern(pattern, path string) bool {
	want := splitPath(pattern)
	got := splitPath(path)
	if len(want) != len(got) {
		return false
	}
	for i, seg := range want {
		if seg == ":id" {
			if got[i] == "" {
				return false
			}
			continue
		}
		if seg != got[i] {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}
