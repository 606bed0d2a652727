package contest

// SelectNext returns the BEFORE contest with the earliest start.
// Equal starts are ordered by lowest id.
func SelectNext(contests []Contest) (Contest, bool) {
	var (
		best  Contest
		found bool
	)
	for _, c := range contests {
		if c.Phase != PhaseBefore {
			continue
		}
		if !found || c.StartTime.Before(best.StartTime) ||
			(c.StartTime.Equal(best.StartTime) && c.ID < best.ID) {
			best, found = c, true
		}
	}
	return best, found
}

// Select wraps SelectNext into a Result.
func Select(contests []Contest) Result {
	c, ok := SelectNext(contests)
	if !ok {
		return NoneUpcoming()
	}
	return Upcoming(c)
}
