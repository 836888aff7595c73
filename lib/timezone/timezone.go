package timezone

import "time"

var Location *time.Location

func init() {
	var err error
	Location, err = time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
}

// Now returns the current time in the county's local timezone. Sale dates
// and checkpoint timestamps are interpreted in Florida local time no
// matter where the job happens to run.
func Now() time.Time {
	return time.Now().In(Location)
}
