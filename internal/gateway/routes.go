package gateway

import "strings"

// RouteClass partitions the URL space by how much authentication a request
// needs before it may pass through.
type RouteClass int

const (
	// RoutePublic needs no session.
	RoutePublic RouteClass = iota
	// RouteProtected redirects to login when the session is absent or
	// invalid.
	RouteProtected
	// RouteAdmin additionally requires the admin claim.
	RouteAdmin
	// RouteSensitive is protected and audit-logged on every authenticated
	// access, regardless of outcome.
	RouteSensitive
)

func (c RouteClass) String() string {
	switch c {
	case RouteProtected:
		return "protected"
	case RouteAdmin:
		return "admin"
	case RouteSensitive:
		return "sensitive"
	default:
		return "public"
	}
}

type routeRule struct {
	prefix string
	class  RouteClass
}

// Ordered, first match wins: most specific prefixes first.
var routeRules = []routeRule{
	{"/auth/password", RouteSensitive},
	{"/account/payment", RouteSensitive},
	{"/api/admin/", RouteAdmin},
	{"/admin", RouteAdmin},
	{"/customers", RouteAdmin},
	{"/account", RouteProtected},
	{"/orders", RouteProtected},
}

func ClassifyRoute(path string) RouteClass {
	for _, rule := range routeRules {
		if strings.HasPrefix(path, rule.prefix) {
			return rule.class
		}
	}

	return RoutePublic
}
