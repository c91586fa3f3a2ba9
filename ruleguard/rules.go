//go:build ruleguard
// +build ruleguard

// Package gorules holds project lint rules executed with ruleguard
// (go run github.com/quasilyte/go-ruleguard/cmd/ruleguard -rules ruleguard/rules.go ./...).
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// sqlRowsCloseMissing flags Query results whose rows are never closed.
func sqlRowsCloseMissing(m dsl.Matcher) {
	m.Match(`$rows, $err := $db.QueryContext($*_); if $err != nil { $*_ }; $*body`).
		Where(!m["body"].Text.Matches(`rows\.Close`)).
		Report(`rows from QueryContext must be closed`)
}

// timeAfterInLoop flags time.After inside for loops (leaks a timer per turn).
func timeAfterInLoop(m dsl.Matcher) {
	m.Match(`for { $*_; select { $*_; case <-time.After($_): $*_; $*_ } }`).
		Report(`use a reusable time.Timer instead of time.After inside a loop`)
}

// contextBackgroundInWorker flags context.Background in non-main packages where a
// caller context should be threaded instead.
func contextBackgroundInWorker(m dsl.Matcher) {
	m.Match(`$svc.$method(context.Background(), $*_)`).
		Where(m.File().PkgPath.Matches(`internal/domain`)).
		Report(`thread the caller context instead of context.Background`)
}
