package musicd

import "github.com/abgandar/gophonic/internal/route"

// Entries builds the four /api/ routing table rows cmd/gophonicd wires in
// ahead of any static content entries.
func Entries(svc *Service) []route.Entry {
	h := NewHandlers(svc)
	return []route.Entry{
		{Pattern: "/api/status", Match: route.MatchExact, Methods: []string{"GET"}, Handler: route.HandlerFunc(h.Status)},
		{Pattern: "/api/playlist", Match: route.MatchExact, Methods: []string{"GET"}, Handler: route.HandlerFunc(h.Playlist)},
		{Pattern: "/api/control", Match: route.MatchExact, Methods: []string{"POST"}, Handler: route.HandlerFunc(h.Control)},
		{Pattern: "/api/reboot", Match: route.MatchExact, Methods: []string{"POST"}, Handler: route.HandlerFunc(h.Reboot)},
	}
}
