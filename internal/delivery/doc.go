// Package delivery decides which recipients are due and sends them the
// current forecast.
//
// A Reconciler runs one tick: it resolves the forecast snapshot, queries due
// recipients and advances each recipient's schedule only after that
// recipient's own send succeeded. Service drives ticks from a cron timer,
// never lets two ticks overlap, and runs the startup catch-up tick.
package delivery
