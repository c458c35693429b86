package orchestrator

// Decision carries the evidence the continuation rule looks at.
type Decision struct {
	ReachedScrapeCap bool
	Scraped          int
	PageCap          int
	Inserted         int
	Filtered         int
}

// ShouldContinue reports whether another scrape should start immediately.
// All must hold: the scrape cap is not reached, the provider filled the page,
// something was inserted, and something was filtered out.
func ShouldContinue(d Decision) bool {
	return !d.ReachedScrapeCap &&
		d.PageCap > 0 && d.Scraped >= d.PageCap &&
		d.Inserted > 0 &&
		d.Filtered > 0
}
