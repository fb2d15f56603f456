package proxy

import "testing"

func TestRouteTable_StaticRouteMatchesLongestPrefixFirst(t *testing.T) {
	rt := NewRouteTable([]Route{
		{Prefix: "/svc/widgets", ServiceName: "widgets"},
		{Prefix: "/svc/widgets/special", ServiceName: "widgets-special"},
	}, "", nil)

	route, remainder, ok := rt.Match("/svc/widgets/special/x")
	if !ok {
		t.Fatal("expected a match")
	}
	if route.ServiceName != "widgets-special" {
		t.Fatalf("expected longest-prefix route to win, got %q", route.ServiceName)
	}
	if remainder != "/x" {
		t.Fatalf("expected remainder /x, got %q", remainder)
	}
}

func TestRouteTable_Fallback_ClassifiesAuthServiceByName(t *testing.T) {
	rt := NewRouteTable(nil, "/api/", []string{"auth"})

	route, remainder, ok := rt.Match("/api/auth/login")
	if !ok {
		t.Fatal("expected fallback match")
	}
	if route.ServiceName != "auth" {
		t.Fatalf("expected service name auth, got %q", route.ServiceName)
	}
	if route.RateLimitPolicy != RateLimitAuth {
		t.Fatalf("expected RateLimitAuth policy for auth service, got %v", route.RateLimitPolicy)
	}
	if remainder != "/login" {
		t.Fatalf("expected remainder /login, got %q", remainder)
	}
}

func TestRouteTable_Fallback_NonAuthServiceGetsGeneralPolicy(t *testing.T) {
	rt := NewRouteTable(nil, "/api/", []string{"auth"})

	route, _, ok := rt.Match("/api/widgets/items")
	if !ok {
		t.Fatal("expected fallback match")
	}
	if route.ServiceName != "widgets" {
		t.Fatalf("expected service name widgets, got %q", route.ServiceName)
	}
	if route.RateLimitPolicy != RateLimitGeneral {
		t.Fatalf("expected RateLimitGeneral policy for non-auth service, got %v", route.RateLimitPolicy)
	}
}

func TestRouteTable_NoMatch_ReturnsFalse(t *testing.T) {
	rt := NewRouteTable(nil, "", nil)

	_, _, ok := rt.Match("/nope")
	if ok {
		t.Fatal("expected no match with routing disabled")
	}
}

func TestRouteTable_Fallback_EmptyServiceSegmentNoMatch(t *testing.T) {
	rt := NewRouteTable(nil, "/api/", nil)

	_, _, ok := rt.Match("/api/")
	if ok {
		t.Fatal("expected no match for an empty service name segment")
	}
}
