package models

// SwarmSummary is a point-in-time copy of the tracker's view of one file.
type SwarmSummary struct {
	FileID       int
	SegmentCount int
	Swarm        []int
	Seeds        []int
	Records      map[int][]string
}
